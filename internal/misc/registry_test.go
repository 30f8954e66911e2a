package misc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/danmuck/kcounter/internal/testutil/testlog"
	"github.com/danmuck/kcounter/internal/transfer"
)

var errTestBusy = errors.New("test: busy")

type fakeDevice struct {
	name     string
	open     atomic.Bool
	releases atomic.Int32
	panicOn  uint32
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Open(ctx context.Context, owner string) (File, error) {
	if !d.open.CompareAndSwap(false, true) {
		return nil, errTestBusy
	}
	return &fakeFile{dev: d}, nil
}

type fakeFile struct {
	dev *fakeDevice
}

func (f *fakeFile) Ioctl(cmd uint32, region transfer.Region) (int64, error) {
	if cmd == f.dev.panicOn {
		panic("fake device fault")
	}
	w := transfer.NewSlice(region, 4).Writer()
	if _, err := w.Write([]byte("ok\x00")); err != nil {
		return 0, err
	}
	return int64(cmd), nil
}

func (f *fakeFile) Release() error {
	f.dev.releases.Add(1)
	f.dev.open.Store(false)
	return nil
}

func TestRegisterValidation(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	if _, err := r.Register(nil); !errors.Is(err, ErrDeviceNil) {
		t.Fatalf("expected ErrDeviceNil, got %v", err)
	}
	for _, name := range []string{"", "Upper", "-lead", "trail.", "a..b", " pad", "sp ace"} {
		if _, err := r.Register(&fakeDevice{name: name}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name=%q expected ErrInvalidName, got %v", name, err)
		}
	}
	if _, err := r.Register(&fakeDevice{name: "kcounter"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(&fakeDevice{name: "kcounter"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	list := r.Devices()
	if len(list) != 1 || list[0].Name != "kcounter" {
		t.Fatalf("unexpected devices=%+v", list)
	}
}

func TestOpenIoctlRelease(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(NewEventLog(16))
	dev := &fakeDevice{name: "fake", panicOn: 99}
	if _, err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Open(context.Background(), "missing", "a"); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	fd, err := r.Open(context.Background(), "fake", "a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Open(context.Background(), "fake", "b"); !errors.Is(err, errTestBusy) {
		t.Fatalf("expected device error to pass through, got %v", err)
	}

	region := transfer.NewRegion(4)
	status, err := r.Ioctl(fd, "a", 7, region)
	if err != nil || status != 7 {
		t.Fatalf("ioctl status=%d err=%v", status, err)
	}
	if string(region.Bytes()[:3]) != "ok\x00" {
		t.Fatalf("unexpected region=%q", region.Bytes())
	}
	if _, err := r.Ioctl(fd, "b", 7, region); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("foreign owner expected ErrBadHandle, got %v", err)
	}
	if _, err := r.Ioctl(fd, "a", 7, transfer.NilRegion()); !errors.Is(err, transfer.ErrFault) {
		t.Fatalf("expected ErrFault to pass through, got %v", err)
	}

	if files := r.Files(); len(files) != 1 || files[0].FD != fd || files[0].Owner != "a" {
		t.Fatalf("unexpected files=%+v", files)
	}
	if err := r.Release(fd, "b"); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("foreign release expected ErrBadHandle, got %v", err)
	}
	if err := r.Release(fd, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.Release(fd, "a"); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("double release expected ErrBadHandle, got %v", err)
	}
	if dev.releases.Load() != 1 {
		t.Fatalf("unexpected releases=%d", dev.releases.Load())
	}
	if r.OpenFiles() != 0 {
		t.Fatalf("unexpected open files=%d", r.OpenFiles())
	}
}

func TestReleaseOwnerTearsDownEveryHandle(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	a := &fakeDevice{name: "dev-a"}
	b := &fakeDevice{name: "dev-b"}
	_, _ = r.Register(a)
	_, _ = r.Register(b)

	if _, err := r.Open(context.Background(), "dev-a", "proc.1"); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if _, err := r.Open(context.Background(), "dev-b", "proc.1"); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if got := r.ReleaseOwner("proc.2"); got != 0 {
		t.Fatalf("unrelated owner released %d", got)
	}
	if got := r.ReleaseOwner("proc.1"); got != 2 {
		t.Fatalf("expected 2 released, got=%d", got)
	}
	if a.open.Load() || b.open.Load() {
		t.Fatalf("devices still open after owner teardown")
	}
	if _, err := r.Open(context.Background(), "dev-a", "proc.2"); err != nil {
		t.Fatalf("reopen after teardown: %v", err)
	}
}

func TestIoctlPanicReleasesFile(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	dev := &fakeDevice{name: "fault", panicOn: 1}
	_, _ = r.Register(dev)
	fd, err := r.Open(context.Background(), "fault", "a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Ioctl(fd, "a", 1, transfer.NewRegion(4)); !errors.Is(err, ErrFaulted) {
		t.Fatalf("expected ErrFaulted, got %v", err)
	}
	if dev.open.Load() || dev.releases.Load() != 1 {
		t.Fatalf("faulted file not released open=%v releases=%d", dev.open.Load(), dev.releases.Load())
	}
	if _, err := r.Ioctl(fd, "a", 2, transfer.NewRegion(4)); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle after fault, got %v", err)
	}
	recent := r.Events().Recent(1)
	if len(recent) != 1 || recent[0].Kind != EventRelease {
		t.Fatalf("unexpected last event=%+v", recent)
	}
}

func TestDeregisterKeepsOpenFiles(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	reg, _ := r.Register(&fakeDevice{name: "gone"})
	fd, err := r.Open(context.Background(), "gone", "a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reg.Deregister()
	reg.Deregister()
	if _, err := r.Open(context.Background(), "gone", "b"); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice after deregister, got %v", err)
	}
	if _, err := r.Ioctl(fd, "a", 3, transfer.NewRegion(4)); err != nil {
		t.Fatalf("open file should outlive registration: %v", err)
	}
	if err := r.Release(fd, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

type slowDevice struct {
	fakeDevice
	entered chan struct{}
	proceed chan struct{}
}

func (d *slowDevice) Open(ctx context.Context, owner string) (File, error) {
	close(d.entered)
	<-d.proceed
	return d.fakeDevice.Open(ctx, owner)
}

func TestReleaseOwnerDuringOpenTearsFileDown(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	dev := &slowDevice{
		fakeDevice: fakeDevice{name: "slow"},
		entered:    make(chan struct{}),
		proceed:    make(chan struct{}),
	}
	if _, err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	type result struct {
		fd  uint64
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, err := r.Open(context.Background(), "slow", "conn.a")
		done <- result{fd, err}
	}()
	<-dev.entered

	if r.OpenFiles() != 0 || len(r.Files()) != 0 {
		t.Fatalf("pending open listed as open: files=%+v", r.Files())
	}
	if n := r.ReleaseOwner("conn.a"); n != 1 {
		t.Fatalf("expected pending open released, got=%d", n)
	}
	close(dev.proceed)

	res := <-done
	if !errors.Is(res.err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle, got fd=%d err=%v", res.fd, res.err)
	}
	if dev.releases.Load() != 1 || dev.open.Load() {
		t.Fatalf("file opened after owner release was not torn down: releases=%d", dev.releases.Load())
	}
	if r.OpenFiles() != 0 {
		t.Fatalf("open files got=%d want=0", r.OpenFiles())
	}
}

func TestFailedOpenLeavesNoReservation(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(nil)
	dev := &fakeDevice{name: "kcounter"}
	if _, err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	dev.open.Store(true)
	if _, err := r.Open(context.Background(), "kcounter", "conn.a"); !errors.Is(err, errTestBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if n := r.ReleaseOwner("conn.a"); n != 0 {
		t.Fatalf("failed open left a handle behind: released=%d", n)
	}
}
