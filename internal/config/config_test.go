package config

import (
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"tiled backend", Config{Backend: BackendTiled}, false},
		{"reference backend", Config{Backend: BackendReference}, false},
		{"uppercase backend", Config{Backend: "TILED"}, false},
		{"missing backend", Config{}, true},
		{"unknown backend", Config{Backend: "cuda"}, true},
		{"negative q block", Config{Backend: BackendTiled, QBlockLen: -1}, true},
		{"negative workers", Config{Backend: BackendTiled, NumWorkers: -2}, true},
		{"negative stages", Config{Backend: BackendTiled, NumStages: -1}, true},
		{"full tuning surface", Config{Backend: BackendTiled, QBlockLen: 32, NumWorkers: 8, NumStages: 4, Interpret: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate() succeeded, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() failed: %v", err)
			}
		})
	}
}

func TestBackendName(t *testing.T) {
	c := Config{Backend: "Reference"}
	if got := c.BackendName(); got != BackendReference {
		t.Errorf("BackendName() = %q, want %q", got, BackendReference)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
	if c.Backend != BackendTiled {
		t.Errorf("default backend = %q, want %q", c.Backend, BackendTiled)
	}
	if c.QBlockLen != 0 {
		t.Errorf("default q block len = %d, want 0 (whole sequence)", c.QBlockLen)
	}
}
