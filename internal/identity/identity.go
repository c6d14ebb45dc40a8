// Package identity resolves the invoking real user and translates ownership
// between numeric ids and portable names for archive storage.
package identity

import (
	"os"
	"os/user"
	"strconv"
)

// RealUID returns the invoking user's uid. Under privilege escalation the
// escalation environment (SUDO_UID) names the real user; otherwise the
// process uid is the real uid.
func RealUID() int {
	if v := os.Getenv("SUDO_UID"); v != "" {
		if uid, err := strconv.Atoi(v); err == nil {
			return uid
		}
	}
	return os.Getuid()
}

// RealGID returns the invoking user's gid, honoring SUDO_GID.
func RealGID() int {
	if v := os.Getenv("SUDO_GID"); v != "" {
		if gid, err := strconv.Atoi(v); err == nil {
			return gid
		}
	}
	return os.Getgid()
}

// Resolver translates between numeric ownership and stored owner names,
// memoizing lookups for the duration of one run. Ownership matching the
// invoking real user is stored as the empty name, so archives remain stable
// when the same tree is backed up by different accounts.
type Resolver struct {
	userNames  map[int]string
	groupNames map[int]string
	userIDs    map[string]int
	groupIDs   map[string]int
}

func NewResolver() *Resolver {
	return &Resolver{
		userNames:  make(map[int]string),
		groupNames: make(map[int]string),
		userIDs:    make(map[string]int),
		groupIDs:   make(map[string]int),
	}
}

// UserName returns the stored owner name for uid: empty for the real user
// or when the uid cannot be resolved.
func (r *Resolver) UserName(uid int) string {
	if name, ok := r.userNames[uid]; ok {
		return name
	}
	var name string
	if uid != RealUID() {
		if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
			name = u.Username
		}
	}
	r.userNames[uid] = name
	return name
}

// GroupName returns the stored group name for gid: empty for the real
// user's group or when the gid cannot be resolved.
func (r *Resolver) GroupName(gid int) string {
	if name, ok := r.groupNames[gid]; ok {
		return name
	}
	var name string
	if gid != RealGID() {
		if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
			name = g.Name
		}
	}
	r.groupNames[gid] = name
	return name
}

// UID returns the uid to apply for a stored owner name. The empty name and
// unresolvable names fall back to the real uid.
func (r *Resolver) UID(name string) int {
	if name == "" {
		return RealUID()
	}
	if uid, ok := r.userIDs[name]; ok {
		return uid
	}
	uid := RealUID()
	if u, err := user.Lookup(name); err == nil {
		if n, err := strconv.Atoi(u.Uid); err == nil {
			uid = n
		}
	}
	r.userIDs[name] = uid
	return uid
}

// GID returns the gid to apply for a stored group name, falling back to the
// real gid.
func (r *Resolver) GID(name string) int {
	if name == "" {
		return RealGID()
	}
	if gid, ok := r.groupIDs[name]; ok {
		return gid
	}
	gid := RealGID()
	if g, err := user.LookupGroup(name); err == nil {
		if n, err := strconv.Atoi(g.Gid); err == nil {
			gid = n
		}
	}
	r.groupIDs[name] = gid
	return gid
}
