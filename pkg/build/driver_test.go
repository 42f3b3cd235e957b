package build_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cdimage/cdimage/pkg/build"
	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/deb/debtest"
	"github.com/cdimage/cdimage/pkg/lock"
	"github.com/cdimage/cdimage/pkg/mocks"
	"github.com/cdimage/cdimage/pkg/notifier"
	"github.com/cdimage/cdimage/pkg/process"
	"github.com/cdimage/cdimage/pkg/runner"
)

const epochMarker = "Thu Jan  1 00:00:00 GMT 1970"

type fixture struct {
	cfg     *config.Config
	runner  *mocks.RecordingRunner
	mailer  *mocks.RecordingMailer
	stdout  *bytes.Buffer
	logPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.New(root)
	cfg.Set("PROJECT", "ubuntu")
	cfg.Set("CAPPROJECT", "Ubuntu")
	cfg.Set("DIST", "raring")
	cfg.Set("IMAGE_TYPE", "daily")
	cfg.Set("ARCHES", "i386")
	cfg.Set("CDIMAGE_DATE", "20130225")
	os.MkdirAll(filepath.Join(root, "etc"), 0755)

	writeMirror(t, root, "raring")

	return &fixture{
		cfg:     cfg,
		runner:  mocks.NewRecordingRunner(),
		mailer:  mocks.NewRecordingMailer(),
		stdout:  &bytes.Buffer{},
		logPath: filepath.Join(root, "log", "ubuntu", "raring", "daily-20130225.log"),
	}
}

// writeMirror publishes a debootstrap-udeb carrying series' script in the
// i386 installer index of the primary mirror
func writeMirror(t *testing.T, root, series string) {
	t.Helper()
	mirrorDir := filepath.Join(root, "ftp")
	filename := "pool/main/d/debootstrap/debootstrap-udeb_1_all.udeb"
	debtest.Write(t, filepath.Join(mirrorDir, filename), debtest.Package{
		Control:     "Package: debootstrap-udeb\nArchitecture: all\n",
		Files:       map[string]string{"usr/share/debootstrap/scripts/" + series: "mirror_style release\n"},
		Compression: debtest.Gzip,
	})
	debtest.WriteIndex(t,
		filepath.Join(mirrorDir, "dists", series, "main", "debian-installer", "binary-i386", "Packages.gz"),
		"Package: debootstrap-udeb\nFilename: "+filename,
	)
}

func (f *fixture) driver(extra ...build.Option) *build.Driver {
	opts := []build.Option{
		build.WithRunner(func(io.Writer) runner.Runner { return f.runner }),
		build.WithMailer(f.mailer),
		build.WithDesktop(nil),
		build.WithStdout(f.stdout),
		build.WithClock(func() time.Time { return time.Unix(0, 0) }),
	}
	return build.NewDriver(f.cfg, nil, append(opts, extra...)...)
}

func (f *fixture) addRecipient(t *testing.T) {
	t.Helper()
	addresses := filepath.Join(f.cfg.Root(), "production", "notify-addresses")
	os.MkdirAll(filepath.Dir(addresses), 0755)
	if err := os.WriteFile(addresses, []byte("ALL\tfoo@example.org\n"), 0644); err != nil {
		t.Fatalf("failed to write notify addresses: %v", err)
	}
}

// lockObservingMailer records the build lock and semaphore state at the
// moment a failure mail is sent
type lockObservingMailer struct {
	lockPath string
	semPath  string

	mu        sync.Mutex
	sent      int
	lockHeld  bool
	semaphore string
}

func (m *lockObservingMailer) Send(ctx context.Context, msg notifier.Message) error {
	data, _ := os.ReadFile(m.semPath)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	m.lockHeld = lock.IsHeld(m.lockPath)
	m.semaphore = string(data)
	return nil
}

func (f *fixture) addBritney(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(f.cfg.Root(), "britney", "update_out")
	os.MkdirAll(dir, 0755)
	if err := os.WriteFile(filepath.Join(dir, "Makefile"), nil, 0644); err != nil {
		t.Fatalf("failed to write Makefile: %v", err)
	}
	return dir
}

func (f *fixture) readLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.logPath)
	if err != nil {
		t.Fatalf("failed to read build log: %v", err)
	}
	return string(data)
}

func TestDriver_Success(t *testing.T) {
	f := newFixture(t)
	britney := f.addBritney(t)

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log := f.readLog(t)
	expectedMarkers := []string{
		"Syncing Ubuntu mirror",
		"Building britney",
		"Extracting debootstrap scripts",
		"Germinating",
		"Generating new task lists",
		"Checking for other task changes",
		"Building Ubuntu daily CDs",
		"Producing installability report",
		"Publishing",
		"Purging old images",
		"Triggering mirrors",
		"Finished",
	}
	if got := markers(log); !reflect.DeepEqual(got, expectedMarkers) {
		t.Errorf("expected markers %v, got %v", expectedMarkers, got)
	}
	if prefix := "\n===== Syncing Ubuntu mirror =====\n" + epochMarker + "\n"; !strings.HasPrefix(log, prefix) {
		t.Errorf("expected log to start with %q, got %q", prefix, log)
	}

	expectedCalls := []string{
		"anonftpsync",
		"make -C " + britney,
		"germinate --no-rdepends -d raring -a i386",
		"germinate-to-tasks daily",
		"update-tasks 20130225 daily",
		"./build_all.sh",
		"check-installable raring",
		"publish-image-set daily 20130225",
		"purge-old-images daily",
		"trigger-mirrors",
	}
	if got := f.runner.Lines(); !reflect.DeepEqual(got, expectedCalls) {
		t.Errorf("expected calls %v, got %v", expectedCalls, got)
	}

	calls := f.runner.Calls()
	if calls[1].Dir != britney {
		t.Errorf("expected make to run in %s, got %s", britney, calls[1].Dir)
	}
	germinateDir := filepath.Join(f.cfg.Root(), "scratch", "ubuntu", "raring", "daily", "germinate", "i386")
	if calls[2].Dir != germinateDir {
		t.Errorf("expected germinate to run in %s, got %s", germinateDir, calls[2].Dir)
	}
	debianCD := calls[5]
	if debianCD.Dir != filepath.Join(f.cfg.Root(), "debian-cd") {
		t.Errorf("unexpected build_all.sh directory %s", debianCD.Dir)
	}
	for _, want := range []string{
		"CDIMAGE_ROOT=" + f.cfg.Root(),
		"VERBOSE=3",
		"SPLASHPNG=" + filepath.Join(f.cfg.Root(), "debian-cd", "data", "raring", "splash.png"),
	} {
		if !contains(debianCD.Env, want) {
			t.Errorf("expected %q in build_all.sh environment", want)
		}
	}

	script := filepath.Join(f.cfg.Root(), "scratch", "ubuntu", "raring", "daily", "debootstrap", "raring-i386")
	if data, err := os.ReadFile(script); err != nil || string(data) != "mirror_style release\n" {
		t.Errorf("expected extracted debootstrap script, got %q (%v)", data, err)
	}

	if len(f.mailer.Sent()) != 0 {
		t.Error("successful build must not send mail")
	}
	if lock.IsHeld(filepath.Join(f.cfg.Root(), "etc", ".lock-build-image-set-ubuntu-raring-daily")) {
		t.Error("build lock must be released")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.Root(), "etc", ".sem-build-image-set")); !os.IsNotExist(err) {
		t.Error("semaphore must be back to zero")
	}
}

func TestDriver_HoldsLockAndSemaphore(t *testing.T) {
	f := newFixture(t)
	lockPath := filepath.Join(f.cfg.Root(), "etc", ".lock-build-image-set-ubuntu-raring-daily")
	semPath := filepath.Join(f.cfg.Root(), "etc", ".sem-build-image-set")

	checked := false
	f.runner.OnRun(func(cmd runner.Command) error {
		if cmd.Name != "anonftpsync" {
			return nil
		}
		checked = true
		if !lock.IsHeld(lockPath) {
			t.Error("build lock must be held while the pipeline runs")
		}
		if data, err := os.ReadFile(semPath); err != nil || string(data) != "1\n" {
			t.Errorf("expected semaphore value 1, got %q (%v)", data, err)
		}
		return nil
	})

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !checked {
		t.Error("the first build must sync the mirror")
	}
}

func TestDriver_ParallelBuildWaitsForSync(t *testing.T) {
	f := newFixture(t)
	semPath := filepath.Join(f.cfg.Root(), "etc", ".sem-build-image-set")
	if err := os.WriteFile(semPath, []byte("1\n"), 0644); err != nil {
		t.Fatalf("failed to seed semaphore: %v", err)
	}

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.runner.CallCount("anonftpsync") != 0 {
		t.Error("a parallel build must not run the sync tool")
	}
	if got := markers(f.readLog(t)); got[0] != "Parallel build; waiting for Ubuntu mirror to sync" {
		t.Errorf("unexpected first marker %q", got[0])
	}
	if data, _ := os.ReadFile(semPath); string(data) != "1\n" {
		t.Errorf("expected semaphore restored to 1, got %q", data)
	}
}

func TestDriver_NoBritney(t *testing.T) {
	f := newFixture(t)

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if contains(markers(f.readLog(t)), "Building britney") {
		t.Error("britney marker must not appear without a Makefile")
	}
	if f.runner.CallCount("make") != 0 {
		t.Error("make must not run without a Makefile")
	}
}

func TestDriver_FlagsSelectStages(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		present []string
		absent  []string
	}{
		{
			name:    "preinstalled",
			flags:   []string{"CDIMAGE_PREINSTALLED"},
			present: []string{"Downloading live filesystem images", "Building Ubuntu daily CDs"},
			absent:  []string{"Germinating", "Generating new task lists", "Producing installability report"},
		},
		{
			name:    "live",
			flags:   []string{"CDIMAGE_LIVE"},
			present: []string{"Germinating", "Downloading live filesystem images", "Producing installability report"},
		},
		{
			name:   "addon",
			flags:  []string{"CDIMAGE_ADDON"},
			absent: []string{"Producing installability report", "Downloading live filesystem images"},
		},
		{
			name:    "nopublish",
			flags:   []string{"CDIMAGE_NOPUBLISH"},
			present: []string{"Finished"},
			absent:  []string{"Publishing", "Purging old images", "Triggering mirrors"},
		},
		{
			name:    "local",
			flags:   []string{"LOCAL"},
			present: []string{"Updating archive of local packages"},
		},
		{
			name:   "nosync",
			flags:  []string{"CDIMAGE_NOSYNC"},
			absent: []string{"Syncing Ubuntu mirror"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, flag := range tt.flags {
				f.cfg.Set(flag, "1")
			}

			if err := f.driver().Run(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := markers(f.readLog(t))
			for _, m := range tt.present {
				if !contains(got, m) {
					t.Errorf("expected marker %q in %v", m, got)
				}
			}
			for _, m := range tt.absent {
				if contains(got, m) {
					t.Errorf("unexpected marker %q in %v", m, got)
				}
			}
		})
	}
}

func TestDriver_DefaultsLocale(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set("UBUNTU_DEFAULTS_LOCALE", "zh_CN")
	f.cfg.Set("CDIMAGE_LIVE", "1")
	live := filepath.Join(f.cfg.Root(), "scratch", "ubuntu-chinese-edition", "raring", "daily", "live")
	makelist := filepath.Join(f.cfg.Root(), "debian-cd", "tools", "pi-makelist")

	f.runner.OnRun(func(cmd runner.Command) error {
		switch cmd.Name {
		case "download-live-filesystems":
			os.MkdirAll(live, 0755)
			for _, name := range []string{"i386.iso", "i386.manifest", "MD5SUMS"} {
				os.WriteFile(filepath.Join(live, name), []byte(name), 0644)
			}
		case makelist:
			io.WriteString(cmd.Stdout, "list of "+filepath.Base(cmd.Args[0])+"\n")
		}
		return nil
	})

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedCalls := []string{
		"anonftpsync",
		"download-live-filesystems",
		makelist + " " + filepath.Join(live, "raring-desktop-i386.iso"),
		"check-installable raring",
		"publish-image-set daily 20130225",
		"purge-old-images daily",
		"trigger-mirrors",
	}
	if got := f.runner.Lines(); !reflect.DeepEqual(got, expectedCalls) {
		t.Errorf("expected calls %v, got %v", expectedCalls, got)
	}

	expectedFiles := []string{"MD5SUMS", "raring-desktop-i386.iso", "raring-desktop-i386.list", "raring-desktop-i386.manifest"}
	entries, _ := os.ReadDir(live)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !reflect.DeepEqual(names, expectedFiles) {
		t.Errorf("expected live outputs %v, got %v", expectedFiles, names)
	}
	if data, _ := os.ReadFile(filepath.Join(live, "raring-desktop-i386.list")); string(data) != "list of raring-desktop-i386.iso\n" {
		t.Errorf("unexpected list contents %q", data)
	}

	logPath := filepath.Join(f.cfg.Root(), "log", "ubuntu-chinese-edition", "raring", "daily-20130225.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read build log: %v", err)
	}
	got := markers(string(data))
	for _, m := range []string{"Germinating", "Generating new task lists", "Checking for other task changes",
		"Downloading live filesystem images", "Building Ubuntu daily CDs"} {
		if contains(got, m) {
			t.Errorf("unexpected marker %q in %v", m, got)
		}
	}
	if !contains(got, "Extracting debootstrap scripts") || got[len(got)-1] != "Finished" {
		t.Errorf("unexpected markers %v", got)
	}
}

func TestDriver_DefaultsLocaleRejected(t *testing.T) {
	tests := []struct {
		name   string
		locale string
		series string
		err    error
	}{
		{"unknown locale", "fr_FR", "raring", build.ErrUnknownLocale},
		{"pre-oneiric repack", "zh_CN", "natty", build.ErrRepackUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writeMirror(t, f.cfg.Root(), tt.series)
			f.cfg.Set("DIST", tt.series)
			f.cfg.Set("UBUNTU_DEFAULTS_LOCALE", tt.locale)

			err := f.driver().Run(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if f.runner.CallCount("download-live-filesystems") != 0 {
				t.Error("rejected locale builds must not download live filesystems")
			}
			if f.runner.CallCount("./build_all.sh") != 0 {
				t.Error("locale builds never run debian-cd")
			}
		})
	}
}

func TestDriver_Debug(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set("DEBUG", "1")

	if err := f.driver().Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(f.logPath); !os.IsNotExist(err) {
		t.Error("debug builds must not write a log file")
	}
	got := markers(f.stdout.String())
	if contains(got, "Publishing") {
		t.Error("debug builds must not publish")
	}
	if len(got) == 0 || got[len(got)-1] != "Finished" {
		t.Errorf("expected markers on stdout ending with Finished, got %v", got)
	}
	if f.cfg.Get("VERBOSE") != "" {
		t.Error("debug builds keep debian-cd quiet")
	}
}

func TestDriver_FailureNotifies(t *testing.T) {
	f := newFixture(t)
	addresses := filepath.Join(f.cfg.Root(), "production", "notify-addresses")
	os.MkdirAll(filepath.Dir(addresses), 0755)
	os.WriteFile(addresses, []byte("ALL\tfoo@example.org\n"), 0644)

	f.runner.OnRun(func(cmd runner.Command) error {
		if cmd.Name != "anonftpsync" {
			return nil
		}
		log, err := os.OpenFile(f.logPath, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			t.Fatalf("failed to open build log: %v", err)
		}
		defer log.Close()
		log.WriteString("Forced image build failure\n")
		return errors.New("Artificial exception")
	})

	err := f.driver().Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Artificial exception") {
		t.Fatalf("expected the forced failure, got %v", err)
	}

	log := f.readLog(t)
	_, rest, ok := strings.Cut(log, epochMarker+"\n")
	if !ok {
		t.Fatalf("expected sync marker in log %q", log)
	}
	lines := strings.Split(rest, "\n")
	if lines[0] != "Forced image build failure" {
		t.Errorf("expected forced failure line first, got %q", lines[0])
	}
	if lines[1] != err.Error() {
		t.Errorf("expected error message %q, got %q", err.Error(), lines[1])
	}
	if !strings.Contains(rest, "pkg/build.(*Pipeline).Run") {
		t.Errorf("expected a stack trace in the log, got %q", rest)
	}
	if contains(markers(log), "Finished") {
		t.Error("failed build must not reach Finished")
	}
	if f.runner.CallCount("./build_all.sh") != 0 {
		t.Error("no stage may run after the failure")
	}

	sent := f.mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one mail, got %d", len(sent))
	}
	if sent[0].Subject != "CD image ubuntu/raring/daily failed to build on 20130225" {
		t.Errorf("unexpected subject %q", sent[0].Subject)
	}
	if !reflect.DeepEqual(sent[0].Recipients, []string{"foo@example.org"}) {
		t.Errorf("unexpected recipients %v", sent[0].Recipients)
	}
	if !strings.HasPrefix(string(sent[0].Body), "\n===== Syncing Ubuntu mirror") {
		t.Errorf("expected the build log as body, got %q", sent[0].Body)
	}

	if lock.IsHeld(filepath.Join(f.cfg.Root(), "etc", ".lock-build-image-set-ubuntu-raring-daily")) {
		t.Error("build lock must be released after failure")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.Root(), "etc", ".sem-build-image-set")); !os.IsNotExist(err) {
		t.Error("semaphore must be decremented after failure")
	}
}

func TestDriver_InterruptReleasesLockLast(t *testing.T) {
	f := newFixture(t)
	f.addRecipient(t)
	lockPath := filepath.Join(f.cfg.Root(), "etc", ".lock-build-image-set-ubuntu-raring-daily")
	semPath := filepath.Join(f.cfg.Root(), "etc", ".sem-build-image-set")
	mailer := &lockObservingMailer{lockPath: lockPath, semPath: semPath}

	pm := process.NewManager(nil)
	ctx := pm.Start(context.Background())
	defer pm.Stop()

	started := make(chan struct{})
	f.runner.OnRun(func(cmd runner.Command) error {
		if cmd.Name != "anonftpsync" {
			return nil
		}
		close(started)
		<-ctx.Done()
		// let the shutdown handlers run before unwinding
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})

	// Once the lock file is gone the semaphore must already be back to zero.
	stopWatch := make(chan struct{})
	watchDone := make(chan string)
	go func() {
		var violation string
		defer func() { watchDone <- violation }()
		select {
		case <-started:
		case <-stopWatch:
			return
		}
		for {
			select {
			case <-stopWatch:
				return
			default:
			}
			if !lock.IsHeld(lockPath) {
				if _, err := os.Stat(semPath); err == nil {
					violation = "build lock released while the semaphore was still counted"
				}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	go func() {
		<-started
		syscall.Kill(os.Getpid(), syscall.SIGHUP)
	}()

	err := f.driver(
		build.WithMailer(mailer),
		build.WithShutdown(pm),
		build.WithShutdownGrace(time.Minute),
	).Run(ctx)
	close(stopWatch)
	if violation := <-watchDone; violation != "" {
		t.Error(violation)
	}

	if err == nil {
		t.Fatal("expected the interrupted build to fail")
	}
	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	if mailer.sent != 1 {
		t.Fatalf("expected exactly one mail, got %d", mailer.sent)
	}
	if !mailer.lockHeld {
		t.Error("build lock must still be held while notifying")
	}
	if mailer.semaphore != "1\n" {
		t.Errorf("expected semaphore value 1 while notifying, got %q", mailer.semaphore)
	}
	if lock.IsHeld(lockPath) {
		t.Error("build lock must be released once the build has unwound")
	}
	if _, err := os.Stat(semPath); !os.IsNotExist(err) {
		t.Error("semaphore must be decremented after an interrupt")
	}
}

func TestDriver_MailFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	addresses := filepath.Join(f.cfg.Root(), "production", "notify-addresses")
	os.MkdirAll(filepath.Dir(addresses), 0755)
	os.WriteFile(addresses, []byte("ALL\tfoo@example.org\n"), 0644)
	f.runner.FailOn("./build_all.sh", errors.New("exit status 1"))
	f.mailer.SetSendError(errors.New("smtp down"))

	err := f.driver().Run(context.Background())
	if !errors.Is(err, runner.ErrExternalTool) {
		t.Fatalf("expected the build failure, got %v", err)
	}
	if strings.Contains(f.readLog(t), "smtp down") {
		t.Error("notification errors must not reach the build log")
	}
}

func TestDriver_DefaultsDate(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set("CDIMAGE_DATE", "")

	d := build.NewDriver(f.cfg, nil,
		build.WithClock(func() time.Time { return time.Date(2013, 2, 25, 23, 30, 0, 0, time.UTC) }))
	if err := d.Prepare(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.cfg.Date() != "20130225" {
		t.Errorf("expected date 20130225, got %s", f.cfg.Date())
	}
}

func TestConfigureSplash(t *testing.T) {
	cfg := config.New(t.TempDir())
	cfg.Set("PROJECT", "kubuntu")
	cfg.Set("DIST", "raring")
	dataDir := filepath.Join(cfg.Root(), "debian-cd", "data", "raring")
	os.MkdirAll(dataDir, 0755)
	os.WriteFile(filepath.Join(dataDir, "kubuntu.pcx"), nil, 0644)

	build.ConfigureSplash(cfg)

	expected := map[string]string{
		"SPLASHRLE": filepath.Join(dataDir, "splash.rle"),
		"GFXSPLASH": filepath.Join(dataDir, "kubuntu.pcx"),
		"SPLASHPNG": filepath.Join(dataDir, "splash.png"),
	}
	for key, want := range expected {
		if got := cfg.Get(key); got != want {
			t.Errorf("%s: expected %s, got %s", key, want, got)
		}
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
