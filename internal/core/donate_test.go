package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"accession/internal/server/api"
	"accession/internal/server/checksum"
	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/jobs"
	"accession/internal/server/packaging"
	"accession/internal/server/policy"
	"accession/internal/server/service"
	"accession/internal/server/storage"
	"accession/internal/server/sweeper"
)

// startServer runs a complete in-memory accession server.
func startServer(t *testing.T) (*httptest.Server, *storage.FileSystemStore) {
	t.Helper()
	groups, err := policy.ParseGroups(policy.DefaultGroups)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Limits: policy.Limits{
			MaxFileCount: 10,
			MaxFileSize:  1 << 20,
			MaxTotalSize: 4 << 20,
			Groups:       groups,
		},
		MinFileCount:        1,
		ChecksumAlgorithms:  []checksum.Algorithm{checksum.SHA256},
		InactivityThreshold: time.Hour,
		SweepInterval:       time.Hour,
		AllowAnonymous:      true,
		RateLimitRPS:        1000,
		RateLimitBurst:      1000,
	}

	temp := storage.NewFileSystemStore(t.TempDir())
	archive := storage.NewFileSystemStore(t.TempDir())
	p := packaging.New(temp, archive, cfg.ChecksumAlgorithms)
	svc := service.NewSessionService(database.NewMemory(), temp, p, nil, cfg)

	runner := jobs.NewRunner(svc, jobs.NewMemoryStore(), 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)

	h := api.NewHandler(svc, runner, p, sweeper.New(svc, cfg.SweepInterval, nil), cfg)
	srv := httptest.NewServer(api.SetupRouter(h, cfg))
	cfg.BaseURL = srv.URL

	t.Cleanup(func() {
		srv.Close()
		cancel()
		runner.Wait()
	})
	return srv, archive
}

func planFor(t *testing.T, files map[string]string) *Plan {
	t.Helper()
	dirPath := setupTestDir(t, "donation", files)
	tree, err := BuildFiletree([]ParsedPath{{FullPath: dirPath, Kind: PathDir}})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := BuildPlan(tree)
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestDonate(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads, submits and waits for the package", func(t *testing.T) {
		srv, archive := startServer(t)
		plan := planFor(t, map[string]string{
			"letter.pdf": "dear friend",
			"notes.txt":  "remember",
		})
		opts := &Options{
			Owner:        "donor@example.org",
			Title:        "Letters",
			Metadata:     map[string]string{"Source-Organization": "Family"},
			Submit:       true,
			PollInterval: 10 * time.Millisecond,
			Timeout:      5 * time.Second,
		}
		var out strings.Builder

		report, err := Donate(ctx, NewClient(srv.URL, srv.Client()), plan, opts, &out)

		if err != nil {
			t.Fatalf("expected no error, got %v\n%s", err, out.String())
		}
		if !report.Complete() || len(report.Accepted) != 2 {
			t.Fatalf("expected 2 accepted files, got %+v", report)
		}
		if report.Job == nil || report.Job.State != "succeeded" || report.Job.PackageID == "" {
			t.Fatalf("expected a succeeded job with a package, got %+v", report.Job)
		}

		keys, err := archive.List(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		var payload []string
		for _, k := range keys {
			if strings.Contains(k, "/data/") {
				payload = append(payload, filepath.Base(k))
			}
		}
		if len(payload) != 2 {
			t.Errorf("expected 2 payload files in the archive, got %v", keys)
		}
		if !strings.Contains(out.String(), report.Job.PackageID) {
			t.Errorf("expected the package id in the output, got %q", out.String())
		}
	})

	t.Run("rejected files block submission", func(t *testing.T) {
		srv, _ := startServer(t)
		plan := planFor(t, map[string]string{
			"letter.pdf": "dear friend",
			"setup.exe":  "MZ",
		})
		opts := &Options{Submit: true, PollInterval: 10 * time.Millisecond}

		report, err := Donate(ctx, NewClient(srv.URL, srv.Client()), plan, opts, io.Discard)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Submitted {
			t.Error("expected the session not to be submitted")
		}
		if len(report.Rejected) != 1 || report.Rejected[0].Kind != "file_type_not_allowed" {
			t.Errorf("expected one file_type_not_allowed rejection, got %+v", report.Rejected)
		}
	})

	t.Run("without submit the session stays open", func(t *testing.T) {
		srv, _ := startServer(t)
		plan := planFor(t, map[string]string{"letter.pdf": "dear friend"})
		c := NewClient(srv.URL, srv.Client())

		report, err := Donate(ctx, c, plan, &Options{PollInterval: time.Second}, io.Discard)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Submitted || report.Job != nil {
			t.Errorf("expected no submission, got %+v", report)
		}

		resp, err := srv.Client().Get(srv.URL + "/api/sessions/" + report.Token)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var sess Session
		if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
			t.Fatal(err)
		}
		if sess.Status != "ACTIVE" {
			t.Errorf("expected ACTIVE session, got %s", sess.Status)
		}
	})

	t.Run("server unreachable", func(t *testing.T) {
		srv, _ := startServer(t)
		url := srv.URL
		srv.Close()
		plan := planFor(t, map[string]string{"letter.pdf": "dear friend"})

		report, err := Donate(ctx, NewClient(url, nil), plan, &Options{PollInterval: time.Second}, io.Discard)

		if err == nil {
			t.Fatal("expected error when the server is down")
		}
		if report != nil {
			t.Errorf("expected no report, got %+v", report)
		}
	})
}

func TestDonate_ChecksumMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok", "status": "ACTIVE"})
	})
	mux.HandleFunc("POST /api/sessions/tok/files", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"accepted": true,
			"file":     map[string]any{"name": "letter.pdf", "size": 11, "checksum": "0000"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	plan := planFor(t, map[string]string{"letter.pdf": "dear friend"})
	opts := &Options{Submit: true, PollInterval: time.Second}

	report, err := Donate(context.Background(), NewClient(srv.URL, srv.Client()), plan, opts, io.Discard)

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if report.Submitted {
		t.Error("expected a damaged upload to block submission")
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Kind != "checksum_mismatch" {
		t.Errorf("expected a checksum_mismatch, got %+v", report.Rejected)
	}
}

func TestClientErrors(t *testing.T) {
	srv, _ := startServer(t)
	c := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	_, err := c.Submit(ctx, "missing", Submission{})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.Status)
	}

	if _, err := c.Job(ctx, "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}
