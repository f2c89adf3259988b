package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"

	"github.com/ruuf/ruuf/internal/tui"
	"github.com/ruuf/ruuf/pkg/errors"
	appfsm "github.com/ruuf/ruuf/pkg/fsm"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
)

// Preview resolves the target, classifies the image and plans the layout
// without touching anything.
func (rt *Runtime) Preview(ctx context.Context, selector, imagePath string) (job.Summary, error) {
	dev, err := rt.Devices.Lookup(ctx, selector)
	if err != nil {
		return job.Summary{}, err
	}
	img, err := rt.Inspector.Classify(imagePath)
	if err != nil {
		return job.Summary{}, err
	}
	plan, err := rt.Planner.Plan(dev, img)
	if err != nil {
		return job.Summary{}, err
	}
	return job.Summary{Device: dev, ImagePath: imagePath, Family: img.Family, Image: img, Plan: plan}, nil
}

// FlashOptions describe one flash invocation.
type FlashOptions struct {
	Device    string
	ImagePath string

	// Family is what the mode expects; a different image is rejected.
	Family       image.Family
	OpenCorePath string

	Yes   bool
	NoTUI bool

	In  *os.File
	Out *os.File
}

func (o FlashOptions) interactive() bool {
	return !o.NoTUI && o.In != nil && o.Out != nil && tui.Interactive(o.In) && tui.Interactive(o.Out)
}

func (o FlashOptions) gate() job.Gate {
	switch {
	case o.Yes:
		return tui.AutoGate
	case o.interactive():
		return tui.Gate{In: o.In, Out: o.Out}
	case o.In != nil:
		return tui.PromptGate{In: o.In, Out: o.Out}
	}
	return nil
}

// Flash runs one job to a terminal state and returns its error.
func (rt *Runtime) Flash(ctx context.Context, opts FlashOptions) (*job.Job, error) {
	if err := rt.Privilege(); err != nil {
		return nil, err
	}

	summary, err := rt.Preview(ctx, opts.Device, opts.ImagePath)
	if err != nil {
		return nil, err
	}
	if opts.Family != "" && summary.Family != opts.Family {
		return nil, errors.Newf(errors.KindInvalidImage, "flash",
			"%s is a %s image, this mode writes %s", opts.ImagePath, summary.Family, opts.Family)
	}

	j := job.New(summary.Device, opts.ImagePath, summary.Family)
	tok, err := job.RequestConfirmation(ctx, opts.gate(), summary)
	if err != nil {
		return j, err
	}

	if rt.Machine == nil {
		if err := rt.StartPipeline(ctx); err != nil {
			return j, err
		}
	}

	var submitOpts []appfsm.SubmitOption
	if opts.OpenCorePath != "" {
		submitOpts = append(submitOpts, appfsm.WithOpenCore(opts.OpenCorePath))
	}
	if err := rt.Machine.Submit(ctx, rt.start, j, tok, submitOpts...); err != nil {
		return j, err
	}

	out := io.Writer(os.Stdout)
	if opts.Out != nil {
		out = opts.Out
	}

	if opts.interactive() {
		restore := logToFile(LogPath(rt.Config.WorkDir), ParseLevel(rt.Config.LogLevel))
		defer restore()
		if err := tui.Watch(ctx, j, out); err != nil {
			slog.Warn("progress_view_failed", "error", err)
		}
	} else {
		stop := cancelOnInterrupt(j)
		defer stop()
		if err := tui.WatchPlain(ctx, j, out); err != nil {
			slog.Warn("progress_output_failed", "error", err)
		}
	}

	err = rt.Machine.Wait(ctx, j)
	Report(out, j)
	return j, err
}

// cancelOnInterrupt turns the first interrupt into a cancel request so the
// pipeline can invalidate the device before the process exits.
func cancelOnInterrupt(j *job.Job) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			j.Cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

// Report prints the outcome of a finished job.
func Report(w io.Writer, j *job.Job) {
	snap := j.Snapshot()
	switch snap.State {
	case job.StateDone:
		fmt.Fprintf(w, "%s is ready: %s image written", snap.DevicePath, snap.Family)
		if img := j.Image(); img != nil {
			fmt.Fprintf(w, " (%s)", humanize.IBytes(uint64(img.SizeBytes)))
		}
		fmt.Fprintln(w)
		if snap.Family == image.FamilyMacOS {
			fmt.Fprintln(w, "See README.txt on the installer volume for the next steps.")
		}
	case job.StateFailed:
		fmt.Fprintf(w, "Flashing %s failed (%s): %v\n", snap.DevicePath, errors.KindOf(snap.Err), snap.Err)
		if snap.Destroyed {
			fmt.Fprintf(w, "%s was erased and is not bootable; its partition table was cleared.\n", snap.DevicePath)
		} else {
			fmt.Fprintf(w, "%s was not modified.\n", snap.DevicePath)
		}
	}
}
