package bp

// Runner executes external commands for the package and configuration
// adapters. The seam keeps adapter logic testable without a live system.
type Runner interface {
	// LookPath resolves name against PATH.
	LookPath(name string) (string, error)
	// Output runs the command and returns its standard output.
	Output(name string, args ...string) ([]byte, error)
	// OutputAsUser is Output with the child running under uid and gid.
	OutputAsUser(uid, gid int, name string, args ...string) ([]byte, error)
	// Run runs the command attached to the tool's standard streams.
	// When interactive is false stdin is not attached.
	Run(interactive bool, name string, args ...string) error
	// RunAsUser is Run with the child running under uid and gid.
	RunAsUser(interactive bool, uid, gid int, name string, args ...string) error
}
