package session

import "testing"

func validConfig() SandboxConfig {
	return SandboxConfig{
		KernelPath:    "/boot/vmlinuz",
		InitramfsPath: "/boot/initramfs",
	}
}

func TestValidateDefaultsMemoryAndVCPUs(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MemoryMiB != 256 {
		t.Fatalf("MemoryMiB = %d, want 256", cfg.MemoryMiB)
	}
	if cfg.VCPUs != 1 {
		t.Fatalf("VCPUs = %d, want 1", cfg.VCPUs)
	}
	if cfg.BootTimeout != DefaultBootTimeout {
		t.Fatalf("BootTimeout = %v, want %v", cfg.BootTimeout, DefaultBootTimeout)
	}
	if cfg.TeardownGrace != DefaultTeardownGrace {
		t.Fatalf("TeardownGrace = %v, want %v", cfg.TeardownGrace, DefaultTeardownGrace)
	}
}

func TestValidateRequiresKernelAndInitramfs(t *testing.T) {
	cfg := SandboxConfig{}
	err := cfg.Validate()
	assertConfigError(t, err)

	cfg = SandboxConfig{KernelPath: "/boot/vmlinuz"}
	err = cfg.Validate()
	assertConfigError(t, err)
}

func TestValidateDefaultsSeccompEnabled(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.DisableSeccomp {
		t.Fatal("DisableSeccomp should default to false")
	}
}

func TestValidateRejectsMultipleVCPUs(t *testing.T) {
	cfg := validConfig()
	cfg.VCPUs = 2
	assertConfigError(t, cfg.Validate())
}

func TestValidateRejectsConflictingOciBase(t *testing.T) {
	cfg := validConfig()
	cfg.OciBase = &OciBase{BlockDevicePath: "/dev/vda", VirtiofsDir: "/ocidir"}
	assertConfigError(t, cfg.Validate())
}

func TestValidateRejectsEmptyOciBase(t *testing.T) {
	cfg := validConfig()
	cfg.OciBase = &OciBase{}
	assertConfigError(t, cfg.Validate())
}

func TestValidateAcceptsOciBaseBlockDevice(t *testing.T) {
	cfg := validConfig()
	cfg.OciBase = &OciBase{BlockDevicePath: "/dev/vda"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsIncompleteMounts(t *testing.T) {
	cfg := validConfig()
	cfg.Mounts = []HostMount{{HostPath: "/host/data"}}
	assertConfigError(t, cfg.Validate())

	cfg = validConfig()
	cfg.SkillMounts = []SkillMount{{GuestPath: "/skill"}}
	assertConfigError(t, cfg.Validate())
}

func assertConfigError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	se, ok := err.(*SandboxError)
	if !ok {
		t.Fatalf("error type = %T, want *SandboxError", err)
	}
	if se.Kind != ConfigError {
		t.Fatalf("Kind = %v, want ConfigError", se.Kind)
	}
}
