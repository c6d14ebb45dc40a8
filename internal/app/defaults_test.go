package app

import "testing"

func TestGetDefaults(t *testing.T) {
	t.Run("falls back to the current directory", func(t *testing.T) {
		t.Setenv("BPRO_CONF_DIR", "")
		t.Setenv("BPRO_TARGET_DIR", "")

		defaults := GetDefaults()
		if defaults["conf_dir"] != "." {
			t.Errorf("conf_dir = %q, want %q", defaults["conf_dir"], ".")
		}
		if defaults["target_dir"] != "." {
			t.Errorf("target_dir = %q, want %q", defaults["target_dir"], ".")
		}
	})

	t.Run("honors the environment", func(t *testing.T) {
		t.Setenv("BPRO_CONF_DIR", "/etc/bpro")
		t.Setenv("BPRO_TARGET_DIR", "/mnt/backup")

		defaults := GetDefaults()
		if defaults["conf_dir"] != "/etc/bpro" {
			t.Errorf("conf_dir = %q, want %q", defaults["conf_dir"], "/etc/bpro")
		}
		if defaults["target_dir"] != "/mnt/backup" {
			t.Errorf("target_dir = %q, want %q", defaults["target_dir"], "/mnt/backup")
		}
	})
}
