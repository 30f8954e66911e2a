package misc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kcounter/internal/transfer"
	"github.com/rs/zerolog/log"
)

var (
	ErrDeviceNil   = errors.New("misc: device is nil")
	ErrInvalidName = errors.New("misc: invalid device name")
	ErrExists      = errors.New("misc: device already registered")
	ErrNoDevice    = errors.New("misc: no such device")
	ErrBadHandle   = errors.New("misc: bad file handle")
	ErrFaulted     = errors.New("misc: device faulted")
)

// DeviceInfo describes one registered device.
type DeviceInfo struct {
	Name      string `json:"name"`
	OpenFiles int    `json:"open_files"`
}

// FileInfo describes one open handle.
type FileInfo struct {
	FD     uint64 `json:"fd"`
	Device string `json:"device"`
	Owner  string `json:"owner"`
}

// openFile is nil-file while its device Open is still running.
type openFile struct {
	fd     uint64
	device string
	owner  string
	file   File
}

// Registry exposes registered devices by name and routes requests on open
// handles to the File that owns them.
type Registry struct {
	mu      sync.Mutex
	devices map[string]Device
	files   map[uint64]*openFile
	nextFD  atomic.Uint64
	events  *EventLog
}

// NewRegistry creates an empty registry. A nil log gets a default one.
func NewRegistry(events *EventLog) *Registry {
	if events == nil {
		events = NewEventLog(0)
	}
	return &Registry{
		devices: make(map[string]Device),
		files:   make(map[uint64]*openFile),
		events:  events,
	}
}

func (r *Registry) Events() *EventLog {
	return r.events
}

// Registration is the handle returned by Register.
type Registration struct {
	registry *Registry
	name     string
	once     sync.Once
}

func (g *Registration) Name() string {
	return g.name
}

// Deregister removes the device name. Files already open stay usable until released.
func (g *Registration) Deregister() {
	g.once.Do(func() {
		g.registry.mu.Lock()
		delete(g.registry.devices, g.name)
		g.registry.mu.Unlock()
		g.registry.events.Add(Event{Kind: EventDeregister, Device: g.name})
		log.Info().Str("device", g.name).Msg("misc.Registration.Deregister device removed")
	})
}

// Register exposes dev under its name.
func (r *Registry) Register(dev Device) (*Registration, error) {
	if dev == nil {
		return nil, ErrDeviceNil
	}
	name := dev.Name()
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	if _, ok := r.devices[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	r.devices[name] = dev
	r.mu.Unlock()

	r.events.Add(Event{Kind: EventRegister, Device: name})
	log.Info().Str("device", name).Msg("misc.Registry.Register device registered")
	return &Registration{registry: r, name: name}, nil
}

// Open opens the named device for owner and returns a handle for it. The
// handle is reserved before the device is opened, so a ReleaseOwner that
// races the open tears the new file down instead of missing it.
func (r *Registry) Open(ctx context.Context, name, owner string) (uint64, error) {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		r.events.Add(Event{Kind: EventOpenFailed, Device: name, Owner: owner, Error: ErrNoDevice.Error()})
		return 0, fmt.Errorf("%w: %q", ErrNoDevice, name)
	}
	of := &openFile{fd: r.nextFD.Add(1), device: name, owner: owner}
	r.files[of.fd] = of
	r.mu.Unlock()

	f, err := dev.Open(ctx, owner)
	if err != nil {
		r.mu.Lock()
		if r.files[of.fd] == of {
			delete(r.files, of.fd)
		}
		r.mu.Unlock()
		r.events.Add(Event{Kind: EventOpenFailed, Device: name, Owner: owner, Error: err.Error()})
		return 0, err
	}

	r.mu.Lock()
	live := r.files[of.fd] == of
	if live {
		of.file = f
	}
	r.mu.Unlock()
	if !live {
		_ = f.Release()
		err := fmt.Errorf("%w: fd=%d released during open", ErrBadHandle, of.fd)
		r.events.Add(Event{Kind: EventOpenFailed, Device: name, Owner: owner, Error: err.Error()})
		log.Warn().Str("device", name).Str("owner", owner).Uint64("fd", of.fd).Msg("misc.Registry.Open owner released during open")
		return 0, err
	}

	r.events.Add(Event{Kind: EventOpen, Device: name, Owner: owner, FD: of.fd})
	log.Debug().Str("device", name).Str("owner", owner).Uint64("fd", of.fd).Msg("misc.Registry.Open")
	return of.fd, nil
}

// Ioctl runs cmd on the file behind fd. Only the owner that opened fd may use it.
// A panicking device has its file torn down and the caller gets ErrFaulted.
func (r *Registry) Ioctl(fd uint64, owner string, cmd uint32, region transfer.Region) (status int64, err error) {
	of, err := r.lookup(fd, owner)
	if err != nil {
		return 0, err
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("device", of.device).
				Str("owner", owner).
				Uint64("fd", fd).
				Uint32("cmd", cmd).
				Interface("panic", p).
				Msg("misc.Registry.Ioctl device faulted, releasing file")
			r.events.Add(Event{Kind: EventFault, Device: of.device, Owner: owner, FD: fd, Cmd: cmd, Error: fmt.Sprint(p)})
			_ = r.release(of)
			status, err = 0, ErrFaulted
		}
	}()

	status, err = of.file.Ioctl(cmd, region)
	ev := Event{Kind: EventIoctl, Device: of.device, Owner: owner, FD: fd, Cmd: cmd}
	if err != nil {
		ev.Error = err.Error()
	}
	r.events.Add(ev)
	return status, err
}

// Release closes fd for owner.
func (r *Registry) Release(fd uint64, owner string) error {
	of, err := r.lookup(fd, owner)
	if err != nil {
		return err
	}
	return r.release(of)
}

// ReleaseOwner closes every handle owner still holds. It is the teardown
// path for a caller that went away without closing. Opens still in flight
// for owner are counted and fail once the device returns.
func (r *Registry) ReleaseOwner(owner string) int {
	r.mu.Lock()
	owned := make([]*openFile, 0)
	for _, of := range r.files {
		if of.owner == owner {
			owned = append(owned, of)
		}
	}
	r.mu.Unlock()

	released := 0
	for _, of := range owned {
		if err := r.release(of); err == nil {
			released++
		}
	}
	if released > 0 {
		log.Info().Str("owner", owner).Int("released", released).Msg("misc.Registry.ReleaseOwner owner gone")
	}
	return released
}

// release unlinks of and calls File.Release once.
func (r *Registry) release(of *openFile) error {
	r.mu.Lock()
	cur, ok := r.files[of.fd]
	if !ok || cur != of {
		r.mu.Unlock()
		return fmt.Errorf("%w: fd=%d", ErrBadHandle, of.fd)
	}
	delete(r.files, of.fd)
	f := of.file
	r.mu.Unlock()

	if f == nil {
		// Open is still running; it releases the file when it returns.
		return nil
	}
	r.events.Add(Event{Kind: EventRelease, Device: of.device, Owner: of.owner, FD: of.fd})
	return f.Release()
}

func (r *Registry) lookup(fd uint64, owner string) (*openFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	of, ok := r.files[fd]
	if !ok || of.owner != owner || of.file == nil {
		return nil, fmt.Errorf("%w: fd=%d", ErrBadHandle, fd)
	}
	return of, nil
}

// Devices lists registered devices ordered by name.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int, len(r.devices))
	for _, of := range r.files {
		if of.file != nil {
			counts[of.device]++
		}
	}
	list := make([]DeviceInfo, 0, len(r.devices))
	for name := range r.devices {
		list = append(list, DeviceInfo{Name: name, OpenFiles: counts[name]})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Files lists open handles ordered by fd.
func (r *Registry) Files() []FileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]FileInfo, 0, len(r.files))
	for _, of := range r.files {
		if of.file != nil {
			list = append(list, FileInfo{FD: of.fd, Device: of.device, Owner: of.owner})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].FD < list[j].FD
	})
	return list
}

func (r *Registry) OpenFiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, of := range r.files {
		if of.file != nil {
			n++
		}
	}
	return n
}

// ValidName reports whether name can be registered: lowercase letters, digits
// and single separators, not at either end.
func ValidName(name string) bool {
	if name == "" || strings.TrimSpace(name) != name {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
