package core

import (
	"context"
	"fmt"
	"io"
)

// Rejection is a file the server refused, or accepted with a checksum
// that differs from the local one.
type Rejection struct {
	Name    string
	Kind    string
	Message string
}

// Report is the outcome of one donation.
type Report struct {
	Token     string
	Accepted  []RemoteFile
	Rejected  []Rejection
	Job       *Job
	Submitted bool
}

// Complete reports whether every planned file arrived intact.
func (r *Report) Complete() bool {
	return len(r.Rejected) == 0
}

// Donate uploads the plan into a new session and, when opts.Submit is set
// and every file arrived intact, submits it and waits for packaging.
// Progress goes to out.
func Donate(ctx context.Context, c *Client, plan *Plan, opts *Options, out io.Writer) (*Report, error) {
	sess, err := c.CreateSession(ctx, opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to start upload session: %w", err)
	}
	report := &Report{Token: sess.Token}
	fmt.Fprintf(out, "Session %s opened (%d files, %d bytes)\n", sess.Token, len(plan.Items), plan.TotalSize)

	for _, item := range plan.Items {
		res, err := c.Upload(ctx, sess.Token, item)
		if err != nil {
			return report, err
		}
		if !res.Accepted {
			fmt.Fprintf(out, "✗ %s rejected (%s): %s\n", item.Name, res.Kind, res.Message)
			report.Rejected = append(report.Rejected, Rejection{Name: item.Name, Kind: res.Kind, Message: res.Message})
			continue
		}
		if res.File == nil || res.File.Checksum != item.Checksum {
			fmt.Fprintf(out, "✗ %s arrived damaged, checksum mismatch\n", item.Name)
			report.Rejected = append(report.Rejected, Rejection{
				Name:    item.Name,
				Kind:    "checksum_mismatch",
				Message: "the server received different content than was sent",
			})
			continue
		}
		fmt.Fprintf(out, "✓ %s (%d bytes)\n", item.Name, res.File.Size)
		report.Accepted = append(report.Accepted, *res.File)
	}

	if !opts.Submit {
		fmt.Fprintf(out, "Uploads left open in session %s\n", sess.Token)
		return report, nil
	}
	if !report.Complete() {
		fmt.Fprintf(out, "Not submitting: %d file(s) need attention\n", len(report.Rejected))
		return report, nil
	}

	job, err := c.Submit(ctx, sess.Token, Submission{
		Title:       opts.Title,
		Description: opts.Description,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return report, fmt.Errorf("failed to submit session: %w", err)
	}
	report.Submitted = true
	fmt.Fprintf(out, "Submitted, packaging job %s\n", job.ID)

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	job, err = c.WaitForJob(waitCtx, job.ID, opts.PollInterval)
	report.Job = job
	if err != nil {
		return report, err
	}

	if job.State == "failed" {
		return report, fmt.Errorf("packaging failed (%s): %s", job.ErrorKind, job.Error)
	}
	fmt.Fprintf(out, "✓ Archived as package %s\n", job.PackageID)
	return report, nil
}
