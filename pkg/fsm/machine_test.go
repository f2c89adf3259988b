package fsm

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/superfly/fsm"

	"github.com/ruuf/ruuf/pkg/blockdev"
	"github.com/ruuf/ruuf/pkg/blockdev/blockdevtest"
	"github.com/ruuf/ruuf/pkg/boot"
	"github.com/ruuf/ruuf/pkg/db"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/job"
	"github.com/ruuf/ruuf/pkg/partition"
)

const testChunk = 64 << 10

type harness struct {
	machine *Machine
	start   fsm.Start[FlashRequest, FlashResponse]
	repo    *db.Repository
	fake    *blockdevtest.Fake
	slot    *job.Slot
}

func newHarness(t *testing.T, mgr blockdev.Manager, privilege func() error, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "ruuf.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	fsmDir := filepath.Join(dir, "fsm.db")
	if err := os.MkdirAll(fsmDir, 0755); err != nil {
		t.Fatal(err)
	}
	manager, err := fsm.New(fsm.Config{DBPath: fsmDir})
	if err != nil {
		t.Fatalf("open fsm manager: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(5 * time.Second) })

	fake := blockdevtest.New(t.TempDir())
	if mgr == nil {
		mgr = fake
	}
	if privilege == nil {
		privilege = func() error { return nil }
	}

	slot := job.NewSlot(dir)
	cfg := Config{
		Repo:      repo,
		Slot:      slot,
		Boot:      boot.Deps{Manager: mgr, WorkDir: dir, ChunkSize: testChunk},
		Privilege: privilege,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m := NewMachine(cfg)
	start, _, err := m.Register(context.Background(), manager)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return &harness{machine: m, start: start, repo: repo, fake: fake, slot: slot}
}

// linuxISO builds a small ISO with no Windows or macOS markers, which
// classifies as a Linux hybrid image.
func linuxISO(t *testing.T) string {
	t.Helper()
	return buildISO(t, "distro.iso", "LIVE", map[string][]byte{
		"boot/grub/grub.cfg":         []byte("menuentry 'Live' {}\n"),
		"casper/filesystem.squashfs": bytes.Repeat([]byte("squash"), 100_000),
	})
}

func buildISO(t *testing.T, name, label string, files map[string][]byte) string {
	t.Helper()
	w, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("new iso writer: %v", err)
	}
	defer w.Cleanup()

	for name, content := range files {
		if err := w.AddFile(bytes.NewReader(content), name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := w.WriteTo(f, label); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	return p
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeZip(t *testing.T, p string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// smallESP lets a GPT layout fit the 8 MiB test stick.
func smallESP(cfg *Config) {
	opts := partition.DefaultOptions()
	opts.ESPWindows = 2 * partition.MiB
	opts.ESPMacOS = 2 * partition.MiB
	cfg.Planner = partition.NewPlanner(opts)
}

func stick(t *testing.T) device.Device {
	t.Helper()
	const size = 8 << 20
	p := filepath.Join(t.TempDir(), "sdz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	// Non-zero prior contents so invalidation is observable.
	if _, err := f.Write(bytes.Repeat([]byte{0xAB}, size)); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return device.Device{ID: "usb-test-sdz", DisplayPath: p, SizeBytes: size, IsRemovable: true}
}

func confirmed(t *testing.T, j *job.Job) job.Token {
	t.Helper()
	tok, err := job.RequestConfirmation(context.Background(),
		job.GateFunc(func(context.Context, job.Summary) (bool, error) { return true, nil }),
		job.Summary{Device: j.Device, ImagePath: j.ImagePath, Family: j.Family})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return tok
}

func run(t *testing.T, h *harness, j *job.Job, opts ...SubmitOption) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.machine.Submit(ctx, h.start, j, confirmed(t, j), opts...); err != nil {
		return err
	}
	return h.machine.Wait(ctx, j)
}

func TestPipeline_LinuxRawFlash(t *testing.T) {
	h := newHarness(t, nil, nil)
	iso := linuxISO(t)
	j := job.New(stick(t), iso, image.FamilyLinux)

	var states []job.State
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range j.Events() {
			if len(states) == 0 || states[len(states)-1] != ev.State {
				states = append(states, ev.State)
			}
		}
	}()

	if err := run(t, h, j); err != nil {
		t.Fatalf("flash: %v", err)
	}
	wg.Wait()

	if j.State() != job.StateDone {
		t.Fatalf("state = %s, want done", j.State())
	}
	want := []job.State{job.StateUnmounting, job.StateCopying, job.StateBootstrapping, job.StateVerifying, job.StateDone}
	if got := strings.Join(toStrings(states), ","); !strings.HasSuffix(got, strings.Join(toStrings(want), ",")) {
		t.Errorf("states = %s, want suffix %v", got, want)
	}

	src, _ := os.ReadFile(iso)
	dst, _ := os.ReadFile(j.Device.DisplayPath)
	if !bytes.Equal(dst[:len(src)], src) {
		t.Error("device does not start with the image bytes")
	}
	if h.fake.Called("CreatePartitions") || h.fake.Called("Format") {
		t.Error("raw flash must not partition or format")
	}

	rec, err := h.repo.GetByJobID(j.ID)
	if err != nil || rec == nil {
		t.Fatalf("archived record: %v %v", rec, err)
	}
	if rec.State != StateDone || rec.Family != "linux" || rec.BytesWritten != int64(len(src)) || rec.SourceSHA256 == "" {
		t.Errorf("record = %+v", rec)
	}
	if h.slot.Active() != nil {
		t.Error("slot still held after done")
	}
}

func toStrings(states []job.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// cancellingManager requests cancellation once the first chunk lands.
type cancellingManager struct {
	blockdev.Manager
	job  *job.Job
	once sync.Once
}

func (c *cancellingManager) OpenRaw(path string, write bool) (blockdev.RawDevice, error) {
	raw, err := c.Manager.OpenRaw(path, write)
	if err != nil || !write {
		return raw, err
	}
	return &cancellingRaw{RawDevice: raw, c: c}, nil
}

type cancellingRaw struct {
	blockdev.RawDevice
	c *cancellingManager
}

func (r *cancellingRaw) WriteAt(p []byte, off int64) (int, error) {
	n, err := r.RawDevice.WriteAt(p, off)
	r.c.once.Do(r.c.job.Cancel)
	return n, err
}

func TestPipeline_CancelDuringCopyInvalidates(t *testing.T) {
	iso := linuxISO(t)
	j := job.New(stick(t), iso, image.FamilyLinux)

	fake := blockdevtest.New(t.TempDir())
	h := newHarness(t, &cancellingManager{Manager: fake, job: j}, nil)

	var last job.Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range j.Events() {
			last = ev
		}
	}()

	err := run(t, h, j)
	wg.Wait()

	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if j.State() != job.StateFailed || !j.Destroyed() {
		t.Errorf("state = %s destroyed = %v", j.State(), j.Destroyed())
	}
	if last.State != job.StateFailed || !last.Destroyed {
		t.Errorf("terminal event = %+v", last)
	}

	dst, _ := os.ReadFile(j.Device.DisplayPath)
	if !bytes.Equal(dst[:blockdev.InvalidateSize], make([]byte, blockdev.InvalidateSize)) {
		t.Error("first MiB was not zeroed")
	}
	if !bytes.Equal(dst[len(dst)-blockdev.InvalidateSize:], make([]byte, blockdev.InvalidateSize)) {
		t.Error("last MiB was not zeroed")
	}

	rec, _ := h.repo.GetByJobID(j.ID)
	if rec == nil || rec.State != StateFailed || rec.ErrorKind != string(errors.KindCancelled) || !rec.DeviceDestroyed {
		t.Errorf("record = %+v", rec)
	}
	if h.slot.Active() != nil {
		t.Error("slot still held after cancel")
	}
}

func TestPipeline_InvalidImageLeavesDeviceUntouched(t *testing.T) {
	h := newHarness(t, nil, nil)
	garbage := filepath.Join(t.TempDir(), "notes.iso")
	if err := os.WriteFile(garbage, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	dev := stick(t)
	j := job.New(dev, garbage, image.FamilyLinux)

	err := run(t, h, j)
	if !errors.Is(err, errors.ErrInvalidImage) {
		t.Fatalf("err = %v, want invalid image", err)
	}
	if j.Destroyed() {
		t.Error("device marked destroyed before any write")
	}
	if calls := h.fake.Calls(); len(calls) != 0 {
		t.Errorf("device calls = %v, want none", calls)
	}
	dst, _ := os.ReadFile(dev.DisplayPath)
	if dst[0] != 0xAB {
		t.Error("device contents changed")
	}
	rec, _ := h.repo.GetByJobID(j.ID)
	if rec == nil || rec.ErrorKind != string(errors.KindInvalidImage) || rec.DeviceDestroyed {
		t.Errorf("record = %+v", rec)
	}
}

func TestPipeline_FamilyMismatch(t *testing.T) {
	h := newHarness(t, nil, nil)
	j := job.New(stick(t), linuxISO(t), image.FamilyWindows)

	if err := run(t, h, j); !errors.Is(err, errors.ErrInvalidImage) {
		t.Fatalf("err = %v, want invalid image", err)
	}
}

func TestPipeline_FileFamiliesToDone(t *testing.T) {
	tests := []struct {
		name   string
		family image.Family
		source func(t *testing.T, h *harness) (string, []SubmitOption)
		dataFS partition.Filesystem
		onESP  string
		onData string
	}{
		{
			name:   "windows",
			family: image.FamilyWindows,
			source: func(t *testing.T, h *harness) (string, []SubmitOption) {
				files := map[string][]byte{
					"bootmgr":                bytes.Repeat([]byte("B"), 4096),
					"setup.exe":              bytes.Repeat([]byte("S"), 7000),
					"efi/boot/bootx64.efi":   bytes.Repeat([]byte("E"), 15000),
					"efi/microsoft/boot/bcd": bytes.Repeat([]byte("D"), 16384),
					"sources/boot.wim":       bytes.Repeat([]byte("w"), 200_000),
					"sources/install.wim":    bytes.Repeat([]byte("i"), 300_000),
				}
				iso := buildISO(t, "win11.iso", "WIN11", files)
				tree := filepath.Join(t.TempDir(), "tree")
				writeTree(t, tree, files)
				h.fake.Images[iso] = tree
				return iso, nil
			},
			dataFS: partition.FAT32,
			onESP:  "efi/boot/bootx64.efi",
			onData: "sources/install.wim",
		},
		{
			name:   "macos",
			family: image.FamilyMacOS,
			source: func(t *testing.T, h *harness) (string, []SubmitOption) {
				root := t.TempDir()
				app := filepath.Join(root, "Install macOS Sonoma.app")
				writeTree(t, app, map[string][]byte{
					"Contents/Info.plist":                      []byte("<plist/>"),
					"Contents/SharedSupport/SharedSupport.dmg": bytes.Repeat([]byte("d"), 200_000),
					"Contents/Resources/createinstallmedia":    bytes.Repeat([]byte("c"), 5000),
				})
				oc := filepath.Join(root, "OpenCore-1.0.1-RELEASE.zip")
				writeZip(t, oc, map[string][]byte{
					"X64/EFI/OC/OpenCore.efi":  bytes.Repeat([]byte("o"), 60000),
					"X64/EFI/BOOT/BOOTx64.efi": bytes.Repeat([]byte("b"), 30000),
					"Docs/Sample.plist":        []byte("<plist><dict/></plist>"),
				})
				return app, []SubmitOption{WithOpenCore(oc)}
			},
			dataFS: partition.HFSPlus,
			onESP:  "EFI/OC/OpenCore.efi",
			onData: "Install macOS Sonoma.app/Contents/Info.plist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil, smallESP)
			src, opts := tt.source(t, h)
			dev := stick(t)
			j := job.New(dev, src, tt.family)

			if err := run(t, h, j, opts...); err != nil {
				t.Fatalf("flash: %v", err)
			}
			if j.State() != job.StateDone {
				t.Fatalf("state = %s, want done", j.State())
			}

			if got := h.fake.Formatted("sdz-part1"); got != partition.FAT32 {
				t.Errorf("esp formatted as %q", got)
			}
			if got := h.fake.Formatted("sdz-part2"); got != tt.dataFS {
				t.Errorf("data formatted as %q, want %s", got, tt.dataFS)
			}
			if _, err := os.Stat(filepath.Join(h.fake.PartitionDir("sdz-part1"), filepath.FromSlash(tt.onESP))); err != nil {
				t.Errorf("%s missing on esp: %v", tt.onESP, err)
			}
			if _, err := os.Stat(filepath.Join(h.fake.PartitionDir("sdz-part2"), filepath.FromSlash(tt.onData))); err != nil {
				t.Errorf("%s missing on data: %v", tt.onData, err)
			}
			if len(h.fake.Mounted()) != 0 {
				t.Errorf("mounts left behind: %v", h.fake.Mounted())
			}

			if h.fake.Called("Reread") {
				t.Error("a finished device must not be invalidated")
			}
			f, err := os.Open(dev.DisplayPath)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			if scheme, _ := partition.DetectScheme(f, dev.SizeBytes); scheme != partition.SchemeGPT {
				t.Errorf("device scheme = %s, want gpt", scheme)
			}

			rec, err := h.repo.GetByJobID(j.ID)
			if err != nil || rec == nil {
				t.Fatalf("archived record: %v %v", rec, err)
			}
			if rec.State != StateDone || rec.Family != string(tt.family) || rec.Scheme != string(partition.SchemeGPT) || rec.ErrorKind != "" {
				t.Errorf("record = %+v", rec)
			}
			if h.slot.Active() != nil {
				t.Error("slot still held after done")
			}
		})
	}
}

func TestPipeline_UnmountFailureLeavesDeviceUntouched(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.fake.FailOn["UnmountAll"] = fmt.Errorf("target is busy")
	dev := stick(t)
	j := job.New(dev, linuxISO(t), image.FamilyLinux)

	err := run(t, h, j)
	if !errors.Is(err, errors.ErrDeviceBusy) {
		t.Fatalf("err = %v, want device busy", err)
	}
	if j.State() != job.StateFailed || j.Destroyed() {
		t.Errorf("state = %s destroyed = %v", j.State(), j.Destroyed())
	}
	for _, method := range []string{"CreatePartitions", "OpenRaw", "Reread"} {
		if h.fake.Called(method) {
			t.Errorf("%s called after a failed unmount", method)
		}
	}
	dst, _ := os.ReadFile(dev.DisplayPath)
	if !bytes.Equal(dst, bytes.Repeat([]byte{0xAB}, len(dst))) {
		t.Error("device contents changed")
	}

	rec, _ := h.repo.GetByJobID(j.ID)
	if rec == nil || rec.ErrorKind != string(errors.KindDeviceBusy) || rec.DeviceDestroyed {
		t.Errorf("record = %+v", rec)
	}
	if h.slot.Active() != nil {
		t.Error("slot still held after failure")
	}
}

// corruptingManager flips the first byte of every read-only device read.
type corruptingManager struct {
	blockdev.Manager
}

func (c *corruptingManager) OpenRaw(path string, write bool) (blockdev.RawDevice, error) {
	raw, err := c.Manager.OpenRaw(path, write)
	if err != nil || write {
		return raw, err
	}
	return &corruptingRaw{RawDevice: raw}, nil
}

type corruptingRaw struct {
	blockdev.RawDevice
}

func (r *corruptingRaw) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.RawDevice.ReadAt(p, off)
	if off == 0 && n > 0 {
		p[0] ^= 0xFF
	}
	return n, err
}

func TestPipeline_VerifyMismatchInvalidates(t *testing.T) {
	fake := blockdevtest.New(t.TempDir())
	h := newHarness(t, &corruptingManager{Manager: fake}, nil)
	dev := stick(t)
	j := job.New(dev, linuxISO(t), image.FamilyLinux)

	err := run(t, h, j)
	if !errors.Is(err, errors.ErrVerifyFailure) {
		t.Fatalf("err = %v, want verify failure", err)
	}
	if j.State() != job.StateFailed || !j.Destroyed() {
		t.Errorf("state = %s destroyed = %v", j.State(), j.Destroyed())
	}
	if !fake.Called("Reread") {
		t.Error("host was not told to drop the old partition table")
	}

	dst, _ := os.ReadFile(dev.DisplayPath)
	if !bytes.Equal(dst[:blockdev.InvalidateSize], make([]byte, blockdev.InvalidateSize)) {
		t.Error("first MiB was not zeroed")
	}

	rec, _ := h.repo.GetByJobID(j.ID)
	if rec == nil || rec.State != StateFailed || rec.ErrorKind != string(errors.KindVerifyFailure) || !rec.DeviceDestroyed {
		t.Errorf("record = %+v", rec)
	}
	if strings.Contains(rec.ErrorMessage, "not invalidated") {
		t.Errorf("invalidation reported a failure: %s", rec.ErrorMessage)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		privilege func() error
		setup     func(t *testing.T, h *harness, j *job.Job)
		token     func(t *testing.T, j *job.Job) job.Token
		want      error
	}{
		{
			name:      "no privilege",
			privilege: func() error { return errors.Newf(errors.KindPrivilege, "check", "not root") },
			want:      errors.ErrPrivilege,
		},
		{
			name: "slot busy",
			setup: func(t *testing.T, h *harness, j *job.Job) {
				other := job.New(stick(t), "other.iso", image.FamilyLinux)
				if err := h.slot.Acquire(other); err != nil {
					t.Fatal(err)
				}
			},
			want: errors.ErrDeviceBusy,
		},
		{
			name:  "zero token",
			token: func(t *testing.T, j *job.Job) job.Token { return job.Token{} },
			want:  errors.ErrNotConfirmed,
		},
		{
			name: "token for another device",
			token: func(t *testing.T, j *job.Job) job.Token {
				other := job.New(device.Device{ID: "other", DisplayPath: "/dev/sdy"}, j.ImagePath, j.Family)
				return confirmed(t, other)
			},
			want: errors.ErrNotConfirmed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, tt.privilege)
			j := job.New(stick(t), linuxISO(t), image.FamilyLinux)
			if tt.setup != nil {
				tt.setup(t, h, j)
			}
			tok := confirmed(t, j)
			if tt.token != nil {
				tok = tt.token(t, j)
			}

			err := h.machine.Submit(context.Background(), h.start, j, tok)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if j.State() != job.StateFailed {
				t.Errorf("state = %s, want failed", j.State())
			}
			if j.Destroyed() || len(h.fake.Calls()) != 0 {
				t.Error("rejected job touched the device")
			}
			if tt.setup == nil && h.slot.Active() != nil {
				t.Error("rejected job kept the slot")
			}
		})
	}
}

func TestSubmit_ArchiveFailureIsNotAnImageError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.repo.Close()

	j := job.New(stick(t), linuxISO(t), image.FamilyLinux)
	err := h.machine.Submit(context.Background(), h.start, j, confirmed(t, j))
	if !errors.Is(err, errors.ErrWriteFailure) {
		t.Fatalf("err = %v, want WriteFailure", err)
	}
	if errors.Is(err, errors.ErrInvalidImage) {
		t.Error("a storage failure must not blame the image")
	}
	if j.Destroyed() || len(h.fake.Calls()) != 0 {
		t.Error("device touched before the job was archived")
	}
	if h.slot.Active() != nil {
		t.Error("slot kept after the archive failed")
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	if h.machine.Cancel("nope") {
		t.Error("Cancel reported an unknown job")
	}
}
