package scan

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// --- Helper to create valid ZIP bytes for testing ---

func createTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to create zip entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
	return buf.Bytes()
}

func scanBytes(t *testing.T, s Scanner, name string, data []byte) Verdict {
	t.Helper()
	v, err := s.Scan(context.Background(), name, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	return v
}

func TestContentScanner(t *testing.T) {
	s := NewContentScanner(0)

	t.Run("clean text file", func(t *testing.T) {
		if v := scanBytes(t, s, "notes.txt", []byte("meeting minutes")); !v.Clean {
			t.Errorf("expected clean, got %q", v.Reason)
		}
	})

	t.Run("blocks executable extension", func(t *testing.T) {
		if v := scanBytes(t, s, "setup.EXE", []byte("MZ")); v.Clean {
			t.Error("expected .exe to be blocked")
		}
	})

	t.Run("detects EICAR signature", func(t *testing.T) {
		if v := scanBytes(t, s, "eicar.txt", eicar); v.Clean {
			t.Error("expected EICAR to be detected")
		}
	})

	t.Run("detects signature across chunk boundary", func(t *testing.T) {
		data := append(bytes.Repeat([]byte("a"), 64*1024-10), eicar...)
		if v := scanBytes(t, s, "padded.txt", data); v.Clean {
			t.Error("expected straddling EICAR to be detected")
		}
	})

	t.Run("respects scan limit", func(t *testing.T) {
		limited := NewContentScanner(1024)
		data := append(bytes.Repeat([]byte("a"), 4096), eicar...)
		if v := scanBytes(t, limited, "late.txt", data); !v.Clean {
			t.Error("signature beyond the scan limit should not be found")
		}
	})

	t.Run("clean archive", func(t *testing.T) {
		data := createTestZip(t, map[string]string{
			"readme.txt":      "hello",
			"photos/scan.png": "png",
		})
		if v := scanBytes(t, s, "bundle.zip", data); !v.Clean {
			t.Errorf("expected clean archive, got %q", v.Reason)
		}
	})

	t.Run("archive with .bat entry", func(t *testing.T) {
		data := createTestZip(t, map[string]string{"script.bat": "echo hello"})
		v := scanBytes(t, s, "bundle.zip", data)
		if v.Clean || !strings.Contains(v.Reason, ".bat") {
			t.Errorf("expected .bat entry to be blocked, got %+v", v)
		}
	})

	t.Run("archive with traversal entry", func(t *testing.T) {
		data := createTestZip(t, map[string]string{"../../etc/passwd.txt": "x"})
		if v := scanBytes(t, s, "bundle.zip", data); v.Clean {
			t.Error("expected traversal entry to be blocked")
		}
	})

	t.Run("corrupt archive with zip magic", func(t *testing.T) {
		data := []byte{0x50, 0x4B, 0x03, 0x04, 0x00, 0x01}
		if v := scanBytes(t, s, "broken.zip", data); v.Clean {
			t.Error("expected corrupt archive to be blocked")
		}
	})

	t.Run("cancelled context yields no verdict", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Scan(ctx, "a.txt", bytes.NewReader([]byte("x")), 1)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestHasZipMagic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"local header", []byte{0x50, 0x4B, 0x03, 0x04}, true},
		{"empty archive", []byte{0x50, 0x4B, 0x05, 0x06}, true},
		{"too short", []byte{0x50, 0x4B}, false},
		{"pdf", []byte("%PDF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hasZipMagic(bytes.NewReader(tt.data), int64(len(tt.data)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNopScanner(t *testing.T) {
	if v := scanBytes(t, NopScanner{}, "setup.exe", eicar); !v.Clean {
		t.Error("NopScanner must accept everything")
	}
}
