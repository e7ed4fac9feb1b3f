package fp

import (
	"path/filepath"
	"testing"

	"github.com/tinoosan/shelfsync/internal/data"
)

func TestFingerprintStable(t *testing.T) {
	fp1 := Fingerprint("  conn ", "lib", "", "book")
	fp2 := Fingerprint("conn", "lib", "", "book")
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ: %s vs %s", fp1, fp2)
	}
	if len(fp1) != 64 { // hex-encoded sha256
		t.Fatalf("unexpected fp length: %d", len(fp1))
	}
	// Moving a value between parts must change the digest.
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("part boundaries not respected")
	}
}

func TestItemDirIgnoresType(t *testing.T) {
	a := data.ItemID{ConnectionID: "c", LibraryID: "l", PrimaryID: "p", Type: data.TypeAudiobook}
	b := a
	b.Type = data.TypeEpisode
	if ItemDir(a) != ItemDir(b) {
		t.Fatalf("equal items must share a directory")
	}
	c := a
	c.ConnectionID = "other"
	if ItemDir(a) == ItemDir(c) {
		t.Fatalf("different connections must not share a directory")
	}
	if len(ItemDir(a)) != dirLen {
		t.Fatalf("dir length = %d", len(ItemDir(a)))
	}
}

func TestTrackFile(t *testing.T) {
	id := data.ItemID{ConnectionID: "c", LibraryID: "l", PrimaryID: "p", Type: data.TypeAudiobook}
	tests := []struct {
		ext  string
		want string
	}{
		{".MP3", "3.mp3"},
		{"m4b", "3.m4b"},
		{"", "3.bin"},
		{"../x", "3.bin"},
	}
	for _, tc := range tests {
		got := TrackFile(id, 3, tc.ext)
		if want := filepath.Join(ItemDir(id), tc.want); got != want {
			t.Fatalf("TrackFile(%q) = %q, want %q", tc.ext, got, want)
		}
	}
}
