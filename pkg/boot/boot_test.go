package boot

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruuf/ruuf/pkg/blockdev/blockdevtest"
	"github.com/ruuf/ruuf/pkg/command/commandtest"
	"github.com/ruuf/ruuf/pkg/device"
	"github.com/ruuf/ruuf/pkg/errors"
	"github.com/ruuf/ruuf/pkg/image"
	"github.com/ruuf/ruuf/pkg/partition"
	"github.com/ruuf/ruuf/pkg/security"
)

const testChunk = 64 << 10

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
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

func sparseDevice(t *testing.T, size int64) device.Device {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sdz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return device.Device{ID: "sdz", DisplayPath: p, SizeBytes: size, IsRemovable: true}
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type progress struct {
	last      int
	monotonic bool
	calls     int
}

func newProgress() *progress { return &progress{monotonic: true, last: -1} }

func (p *progress) sink(percent int, step string) {
	if percent < p.last {
		p.monotonic = false
	}
	p.last = percent
	p.calls++
}

func windowsFixture(t *testing.T, dataFS partition.Filesystem, installWIM []byte) (*blockdevtest.Fake, *Env, map[string][]byte) {
	t.Helper()
	root := t.TempDir()

	files := map[string][]byte{
		"bootmgr":                   randomBytes(t, 4096, 1),
		"setup.exe":                 randomBytes(t, 70000, 2),
		"efi/boot/bootx64.efi":      randomBytes(t, 150000, 3),
		"efi/microsoft/boot/bcd":    randomBytes(t, 16384, 4),
		"sources/boot.wim":          randomBytes(t, 200000, 5),
		"sources/install.wim":       installWIM,
		"boot/fonts/segmono_boot.f": randomBytes(t, 0, 6),
	}
	src := filepath.Join(root, "iso")
	writeTree(t, src, files)

	fake := blockdevtest.New(root)
	fake.Images["/isos/win11.iso"] = src

	dev := sparseDevice(t, 64<<20)
	plan := &partition.Plan{
		Scheme: partition.SchemeGPT,
		Family: image.FamilyWindows,
		Partitions: []partition.Partition{
			{Role: partition.RoleESP, Filesystem: partition.FAT32, SizeBytes: 8 << 20, Label: "EFI"},
			{Role: partition.RoleData, Filesystem: dataFS, Remaining: true, Label: "WINSTALL", Bootable: true},
		},
	}
	img := &image.SourceImage{
		Path:             "/isos/win11.iso",
		Family:           image.FamilyWindows,
		LargestFilePath:  "sources/install.wim",
		LargestFileBytes: int64(len(installWIM)),
	}
	return fake, NewEnv(dev, plan, img, nil, nil), files
}

func TestStage_Windows(t *testing.T) {
	wim := randomBytes(t, 3<<20+123, 7)
	fake, env, files := windowsFixture(t, partition.FAT32, wim)
	prog := newProgress()
	env.Sink = prog.sink

	s, err := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir(), ChunkSize: testChunk})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Stage(context.Background(), s, env)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	data := fake.PartitionDir("sdz-part2")
	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(data, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("%s missing on data: %v", rel, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s differs on data", rel)
		}
	}

	esp := fake.PartitionDir("sdz-part1")
	got, err := os.ReadFile(filepath.Join(esp, "efi", "boot", "bootx64.efi"))
	if err != nil || !bytes.Equal(got, files["efi/boot/bootx64.efi"]) {
		t.Errorf("esp loader not populated: %v", err)
	}

	if res.SourceSHA256 != sha(wim) {
		t.Errorf("source sha = %s, want install.wim digest", res.SourceSHA256)
	}
	if fake.Formatted("sdz-part1") != partition.FAT32 || fake.Formatted("sdz-part2") != partition.FAT32 {
		t.Error("both partitions should be formatted fat32")
	}
	if !fake.Called("WriteBootCode") {
		t.Error("boot code was not written")
	}
	if !fake.Called("UnmountAll") {
		t.Error("existing volumes were not unmounted")
	}
	if len(fake.Mounted()) != 0 {
		t.Errorf("mounts left behind: %v", fake.Mounted())
	}
	if !prog.monotonic || prog.last != 100 {
		t.Errorf("progress should rise monotonically to 100, last=%d monotonic=%v", prog.last, prog.monotonic)
	}
}

func TestStage_WindowsFAT32Split(t *testing.T) {
	wim := randomBytes(t, 2<<20+512<<10, 8)
	fake, env, _ := windowsFixture(t, partition.FAT32, wim)
	env.Plan.Split = true

	runner := commandtest.New().Missing("wimlib-imagex")
	s, _ := ForFamily(image.FamilyWindows, Deps{
		Manager: fake, Runner: runner, WorkDir: t.TempDir(),
		ChunkSize: testChunk, MaxFileSize: 1 << 20, SplitSize: 1 << 20,
	})

	if _, err := Stage(context.Background(), s, env); err != nil {
		t.Fatalf("stage: %v", err)
	}

	data := fake.PartitionDir("sdz-part2")
	var joined []byte
	for _, part := range []string{"install.wim.part001", "install.wim.part002", "install.wim.part003"} {
		b, err := os.ReadFile(filepath.Join(data, "sources", part))
		if err != nil {
			t.Fatalf("%s: %v", part, err)
		}
		if len(b) > 1<<20 {
			t.Errorf("%s is %d bytes, over the ceiling", part, len(b))
		}
		joined = append(joined, b...)
	}
	if !bytes.Equal(joined, wim) {
		t.Error("split parts do not reassemble to the source")
	}
	if _, err := os.Stat(filepath.Join(data, "sources", "install.wim.part004")); !os.IsNotExist(err) {
		t.Error("no empty trailing part expected")
	}
	if _, err := os.Stat(filepath.Join(data, "sources", "install.wim")); !os.IsNotExist(err) {
		t.Error("oversized file must not be copied whole")
	}
}

// stallingRunner holds wimlib-imagex split open until its context ends.
type stallingRunner struct {
	*commandtest.Recorder
	started atomic.Bool
}

func (r *stallingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name != "wimlib-imagex" || len(args) == 0 || args[0] != "split" {
		return r.Recorder.Run(ctx, name, args...)
	}
	r.started.Store(true)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, nil
	}
}

func TestStage_CancelDuringWimSplit(t *testing.T) {
	defer func(d time.Duration) { splitPoll = d }(splitPoll)
	splitPoll = 5 * time.Millisecond

	fake, env, _ := windowsFixture(t, partition.FAT32, randomBytes(t, 2<<20, 14))
	env.Plan.Split = true

	runner := &stallingRunner{Recorder: commandtest.New()}
	env.Checkpoint = func() error {
		if runner.started.Load() {
			return errors.New(errors.KindCancelled, "copy", nil)
		}
		return nil
	}

	s, _ := ForFamily(image.FamilyWindows, Deps{
		Manager: fake, Runner: runner, WorkDir: t.TempDir(),
		ChunkSize: testChunk, MaxFileSize: 1 << 20, SplitSize: 1 << 20,
	})

	begin := time.Now()
	_, err := Stage(context.Background(), s, env)
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if !runner.started.Load() {
		t.Fatal("wimlib-imagex split never ran")
	}
	if time.Since(begin) > 2*time.Second {
		t.Errorf("split ran on for %s after cancel", time.Since(begin))
	}
	if fake.Called("WriteBootCode") {
		t.Error("bootstrap must not run after cancellation")
	}
}

func TestStage_WindowsOversizedWithoutSplit(t *testing.T) {
	fake, env, _ := windowsFixture(t, partition.FAT32, randomBytes(t, 2<<20, 9))

	s, _ := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir(), ChunkSize: testChunk, MaxFileSize: 1 << 20})
	_, err := Stage(context.Background(), s, env)
	if !errors.Is(err, errors.ErrUnsupportedLayout) {
		t.Errorf("expected UnsupportedLayout, got %v", err)
	}
}

func TestStage_WindowsNTFSHoldsLargeFiles(t *testing.T) {
	wim := randomBytes(t, 2<<20, 10)
	fake, env, _ := windowsFixture(t, partition.NTFS, wim)

	s, _ := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir(), ChunkSize: testChunk, MaxFileSize: 1 << 20})
	if _, err := Stage(context.Background(), s, env); err != nil {
		t.Fatalf("stage: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(fake.PartitionDir("sdz-part2"), "sources", "install.wim"))
	if err != nil || !bytes.Equal(got, wim) {
		t.Errorf("install.wim should be copied whole onto NTFS: %v", err)
	}
}

func TestStage_WindowsUnsupportedFilesystem(t *testing.T) {
	fake, env, _ := windowsFixture(t, partition.NTFS, randomBytes(t, 1024, 11))
	fake.Unsupported[partition.NTFS] = true

	s, _ := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir()})
	_, err := Stage(context.Background(), s, env)
	if !errors.Is(err, errors.ErrUnsupportedLayout) {
		t.Errorf("expected UnsupportedLayout, got %v", err)
	}
	if fake.Called("CreatePartitions") {
		t.Error("device must not be touched when the check fails")
	}
}

func TestStage_CancelDuringCopy(t *testing.T) {
	fake, env, _ := windowsFixture(t, partition.FAT32, randomBytes(t, 3<<20, 12))

	checks := 0
	env.Checkpoint = func() error {
		checks++
		if checks > 5 {
			return errors.New(errors.KindCancelled, "copy", nil)
		}
		return nil
	}

	s, _ := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir(), ChunkSize: testChunk})
	_, err := Stage(context.Background(), s, env)
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if fake.Called("WriteBootCode") {
		t.Error("bootstrap must not run after cancellation")
	}
	if len(fake.Mounted()) != 0 {
		t.Errorf("mounts left behind: %v", fake.Mounted())
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	fake, env, _ := windowsFixture(t, partition.FAT32, randomBytes(t, 1<<20, 13))
	s, _ := ForFamily(image.FamilyWindows, Deps{Manager: fake, Runner: commandtest.New(), WorkDir: t.TempDir(), ChunkSize: testChunk})
	ctx := context.Background()
	defer s.Cleanup(ctx, env)

	for _, step := range []func(context.Context, *Env) error{s.Check, s.Unmount, s.Partition, s.Format, s.Copy, s.Bootstrap} {
		if err := step(ctx, env); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	target := filepath.Join(env.dataDir, "sources", "boot.wim")
	f, err := os.OpenFile(target, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0xFF, 0xFE}, 100)
	f.Close()

	if err := s.Verify(ctx, env); !errors.Is(err, errors.ErrVerifyFailure) {
		t.Errorf("expected VerifyFailure, got %v", err)
	}
}

func TestStage_LinuxRawCopy(t *testing.T) {
	img := randomBytes(t, 3<<20+100, 14)
	imgPath := filepath.Join(t.TempDir(), "distro.iso")
	if err := os.WriteFile(imgPath, img, 0644); err != nil {
		t.Fatal(err)
	}

	dev := sparseDevice(t, 8<<20)
	fake := blockdevtest.New(t.TempDir())
	plan := &partition.Plan{
		Scheme:     partition.SchemeNone,
		Family:     image.FamilyLinux,
		Partitions: []partition.Partition{{Role: partition.RoleRaw, Filesystem: partition.None, Remaining: true}},
	}
	prog := newProgress()
	env := NewEnv(dev, plan, &image.SourceImage{Path: imgPath, SizeBytes: int64(len(img)), Family: image.FamilyLinux}, prog.sink, nil)

	s, _ := ForFamily(image.FamilyLinux, Deps{Manager: fake, WorkDir: t.TempDir(), ChunkSize: testChunk})
	res, err := Stage(context.Background(), s, env)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	written, err := os.ReadFile(dev.DisplayPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written[:len(img)], img) {
		t.Error("device bytes 0..imageSize differ from the image")
	}
	if res.SourceSHA256 != sha(img) || res.BytesWritten != int64(len(img)) {
		t.Errorf("result = %+v", res)
	}
	if fake.Called("CreatePartitions") || fake.Called("Format") {
		t.Error("raw copy must not partition or format")
	}
	if prog.last != 100 {
		t.Errorf("progress ended at %d", prog.last)
	}
}

func TestStage_LinuxCancelled(t *testing.T) {
	img := randomBytes(t, 2<<20, 15)
	imgPath := filepath.Join(t.TempDir(), "distro.iso")
	os.WriteFile(imgPath, img, 0644)

	ctx, cancel := context.WithCancel(context.Background())
	chunks := 0
	env := NewEnv(sparseDevice(t, 4<<20), &partition.Plan{
		Scheme:     partition.SchemeNone,
		Family:     image.FamilyLinux,
		Partitions: []partition.Partition{{Role: partition.RoleRaw, Filesystem: partition.None, Remaining: true}},
	}, &image.SourceImage{Path: imgPath, SizeBytes: int64(len(img)), Family: image.FamilyLinux}, func(int, string) {
		chunks++
		if chunks == 3 {
			cancel()
		}
	}, nil)

	s, _ := ForFamily(image.FamilyLinux, Deps{Manager: blockdevtest.New(t.TempDir()), ChunkSize: testChunk})
	_, err := Stage(ctx, s, env)
	if !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if env.BytesWritten() != 3*testChunk {
		t.Errorf("cancellation should stop at the next chunk boundary, wrote %d", env.BytesWritten())
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
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStage_MacOSOpenCore(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "Install macOS Sonoma.app")
	payload := map[string][]byte{
		"Contents/Info.plist":                       []byte("<plist/>"),
		"Contents/SharedSupport/SharedSupport.dmg":  randomBytes(t, 1<<20, 16),
		"Contents/Resources/createinstallmedia":     randomBytes(t, 5000, 17),
	}
	writeTree(t, app, payload)

	sample := []byte("<plist><dict><key>Misc</key></dict></plist>")
	ocZip := filepath.Join(root, "OpenCore-1.0.1-RELEASE.zip")
	writeZip(t, ocZip, map[string][]byte{
		"X64/EFI/OC/OpenCore.efi":             randomBytes(t, 60000, 18),
		"X64/EFI/OC/Drivers/OpenRuntime.efi":  randomBytes(t, 20000, 19),
		"X64/EFI/BOOT/BOOTx64.efi":            randomBytes(t, 30000, 20),
		"Docs/Sample.plist":                   sample,
		"Utilities/macrecovery/macrecovery.py": []byte("print()"),
	})

	fake := blockdevtest.New(root)
	dev := sparseDevice(t, 64<<20)
	plan := &partition.Plan{
		Scheme: partition.SchemeGPT,
		Family: image.FamilyMacOS,
		Partitions: []partition.Partition{
			{Role: partition.RoleESP, Filesystem: partition.FAT32, SizeBytes: 8 << 20, Label: "EFI"},
			{Role: partition.RoleData, Filesystem: partition.HFSPlus, Remaining: true, Label: "Install macOS Sonoma"},
		},
	}
	img := &image.SourceImage{Path: app, Family: image.FamilyMacOS, Container: image.ContainerApp, DetectedVersion: "14.6.1"}
	env := NewEnv(dev, plan, img, nil, nil)
	env.OpenCorePath = ocZip

	s, _ := ForFamily(image.FamilyMacOS, Deps{Manager: fake, WorkDir: t.TempDir(), ChunkSize: testChunk})
	if _, err := Stage(context.Background(), s, env); err != nil {
		t.Fatalf("stage: %v", err)
	}

	esp := fake.PartitionDir("sdz-part1")
	for _, rel := range []string{"EFI/OC/OpenCore.efi", "EFI/OC/Drivers/OpenRuntime.efi", "EFI/BOOT/BOOTx64.efi"} {
		if _, err := os.Stat(filepath.Join(esp, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s missing on esp", rel)
		}
	}
	cfg, err := os.ReadFile(filepath.Join(esp, "EFI", "OC", "config.plist"))
	if err != nil || !bytes.Equal(cfg, sample) {
		t.Errorf("config.plist should be the sample verbatim: %v", err)
	}
	if _, err := os.Stat(filepath.Join(esp, "Utilities")); !os.IsNotExist(err) {
		t.Error("only the EFI tree belongs on the esp")
	}

	data := fake.PartitionDir("sdz-part2")
	for rel, want := range payload {
		got, err := os.ReadFile(filepath.Join(data, "Install macOS Sonoma.app", filepath.FromSlash(rel)))
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("%s not copied: %v", rel, err)
		}
	}
	readme, err := os.ReadFile(filepath.Join(data, readmeName))
	if err != nil || !bytes.Contains(readme, []byte("14.6.1")) {
		t.Errorf("README missing or without version: %v", err)
	}
	if fake.Formatted("sdz-part2") != partition.HFSPlus {
		t.Error("data should be HFS+")
	}
}

func TestStage_MacOSWithoutOpenCore(t *testing.T) {
	fake := blockdevtest.New(t.TempDir())
	plan := &partition.Plan{
		Scheme: partition.SchemeGPT,
		Family: image.FamilyMacOS,
		Partitions: []partition.Partition{
			{Role: partition.RoleESP, Filesystem: partition.FAT32, SizeBytes: 8 << 20},
			{Role: partition.RoleData, Filesystem: partition.HFSPlus, Remaining: true},
		},
	}
	env := NewEnv(sparseDevice(t, 64<<20), plan, &image.SourceImage{Family: image.FamilyMacOS}, nil, nil)

	s, _ := ForFamily(image.FamilyMacOS, Deps{Manager: fake, WorkDir: t.TempDir()})
	_, err := Stage(context.Background(), s, env)
	if !errors.Is(err, errors.ErrInvalidImage) {
		t.Errorf("expected InvalidImage, got %v", err)
	}
	if fake.Called("CreatePartitions") {
		t.Error("device must not be touched without an OpenCore bundle")
	}
}

func TestExtractZip_RejectsTraversal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, p, map[string][]byte{"../../escape.efi": []byte("x")})

	err := ExtractZip(p, t.TempDir(), newTestValidator())
	if !errors.Is(err, errors.ErrInvalidImage) {
		t.Errorf("expected InvalidImage, got %v", err)
	}
}

func TestForFamily_Unknown(t *testing.T) {
	if _, err := ForFamily("beos", Deps{}); !errors.Is(err, errors.ErrInvalidImage) {
		t.Errorf("expected InvalidImage, got %v", err)
	}
}

func newTestValidator() *security.Validator {
	return security.NewValidator(1<<20, 10<<20, 100)
}
