package ioctl

import "testing"

func TestIORMatchesLinuxEncoding(t *testing.T) {
	// _IOR('|', 0x83, char[256]) on x86_64 Linux.
	got := IOR('|', 0x83, 256)
	if got != 0x81007c83 {
		t.Fatalf("unexpected cmd=%#x", got)
	}
	if Dir(got) != DirRead {
		t.Fatalf("unexpected dir=%d", Dir(got))
	}
	if Type(got) != '|' {
		t.Fatalf("unexpected type=%q", Type(got))
	}
	if Nr(got) != 0x83 {
		t.Fatalf("unexpected nr=%#x", Nr(got))
	}
	if Size(got) != 256 {
		t.Fatalf("unexpected size=%d", Size(got))
	}
}

func TestIOCarriesNoSize(t *testing.T) {
	got := IO('|', 0)
	if got != 0x7c00 {
		t.Fatalf("unexpected cmd=%#x", got)
	}
	if Size(got) != 0 || Dir(got) != DirNone {
		t.Fatalf("unexpected size=%d dir=%d", Size(got), Dir(got))
	}
}

func TestIOWRSetsBothDirections(t *testing.T) {
	got := IOWR('k', 1, 8)
	if Dir(got) != DirRead|DirWrite {
		t.Fatalf("unexpected dir=%d", Dir(got))
	}
	if got == IOR('k', 1, 8) || got == IOW('k', 1, 8) {
		t.Fatalf("expected distinct command words")
	}
}

func TestSizeTruncatesToField(t *testing.T) {
	got := IOR('k', 2, MaxSize+1)
	if Size(got) != 0 {
		t.Fatalf("expected truncated size, got=%d", Size(got))
	}
	if Size(IOR('k', 2, MaxSize)) != MaxSize {
		t.Fatalf("expected max size to round-trip")
	}
}
