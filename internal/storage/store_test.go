package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

type sequenceEnvelope struct {
	CallID   string                 `json:"callId" msgpack:"callId"`
	Kind     Kind                   `json:"kind" msgpack:"kind"`
	Name     string                 `json:"name" msgpack:"name"`
	SavedAt  time.Time              `json:"savedAt" msgpack:"savedAt"`
	Metadata map[string]string      `json:"metadata" msgpack:"metadata"`
	Body     media.SequenceSnapshot `json:"body" msgpack:"body"`
}

func snapshot() media.SequenceSnapshot {
	seq := media.NewSequence("alice", "Alice", media.ModalityVideo)
	seq.Append(media.MediaFrame{Payload: []byte{1, 2, 3}, Timestamp: 10, Width: 640, Height: 360, SourceID: 7})
	seq.Append(media.MediaFrame{Payload: []byte{4}, Timestamp: 20, Width: 640, Height: 360, SourceID: 7})
	seq.AppendEvent(media.SubscriptionEvent{Kind: media.EventSubscribed, Timestamp: time.Unix(1, 0).UTC(), ChannelID: 2, SourceID: 7})
	return seq.Finalize()
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		c, err := NewCodec(name)
		if err != nil {
			t.Fatalf("NewCodec(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Fatalf("codec name = %q, want %q", c.Name(), name)
		}
	}
	if _, err := NewCodec("xml"); !errors.Is(err, ErrUnknownEncoding) {
		t.Fatalf("err = %v, want ErrUnknownEncoding", err)
	}
}

func TestFileStoreSave(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, _ := NewCodec(name)
			dir := t.TempDir()
			store, err := NewFileStore(dir, "call-1", codec, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			p := Payload{
				Kind:     KindParticipant,
				Name:     "alice",
				Metadata: map[string]string{"displayName": "Alice"},
				Body:     snapshot(),
			}
			if err := store.Save(context.Background(), p); err != nil {
				t.Fatalf("Save: %v", err)
			}

			path := filepath.Join(dir, "call-1", "participant-alice."+codec.Ext())
			if store.Path(p) != path {
				t.Fatalf("Path = %q, want %q", store.Path(p), path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var env sequenceEnvelope
			if err := codec.Unmarshal(data, &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.CallID != "call-1" || env.Kind != KindParticipant || env.Metadata["displayName"] != "Alice" {
				t.Fatalf("envelope = %+v", env)
			}
			if len(env.Body.Frames) != 2 || env.Body.Frames[1].Timestamp != 20 || env.Body.Bytes != 4 {
				t.Fatalf("body = %+v", env.Body)
			}
			if len(env.Body.Events) != 1 || env.Body.Events[0].Kind != media.EventSubscribed {
				t.Fatalf("events = %+v", env.Body.Events)
			}

			entries, _ := os.ReadDir(filepath.Dir(path))
			if len(entries) != 1 {
				t.Fatalf("directory has %d entries, want only the payload", len(entries))
			}
		})
	}
}

func TestFileStoreOverwrites(t *testing.T) {
	codec, _ := NewCodec("json")
	store, _ := NewFileStore(t.TempDir(), "call", codec, zerolog.Nop())
	p := Payload{Kind: KindRoster, Body: map[string]string{"a": "A"}}
	if err := store.Save(context.Background(), p); err != nil {
		t.Fatalf("first save: %v", err)
	}
	p.Body = map[string]string{"b": "B"}
	if err := store.Save(context.Background(), p); err != nil {
		t.Fatalf("second save: %v", err)
	}

	data, _ := os.ReadFile(store.Path(p))
	var env struct {
		Body map[string]string `json:"body"`
	}
	if err := codec.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Body["b"] != "B" || len(env.Body) != 1 {
		t.Fatalf("body = %v, want second write", env.Body)
	}
}

func TestFileStorePathSanitizesNames(t *testing.T) {
	codec, _ := NewCodec("json")
	store, _ := NewFileStore("/out", "../call", codec, zerolog.Nop())
	got := store.Path(Payload{Kind: KindParticipant, Name: "8:orgid/../x"})

	dir, base := filepath.Split(got)
	if !strings.HasPrefix(dir, filepath.Join("/out", "_call~")) {
		t.Fatalf("dir = %q, want it under /out/_call~<hash>", dir)
	}
	if !strings.HasPrefix(base, "participant-8_orgid_.._x~") || !strings.HasSuffix(base, ".json") {
		t.Fatalf("base = %q", base)
	}

	plain := store.Path(Payload{Kind: KindParticipant, Name: "alice_1"})
	if filepath.Base(plain) != "participant-alice_1.json" {
		t.Fatalf("clean name rewritten: %q", plain)
	}
}

func TestFileStoreKeepsCollidingNamesApart(t *testing.T) {
	codec, _ := NewCodec("json")
	dir := t.TempDir()
	store, _ := NewFileStore(dir, "call", codec, zerolog.Nop())

	names := []string{"alice/1", "alice_1", "alice:1", ".alice_1"}
	for _, name := range names {
		p := Payload{Kind: KindParticipant, Name: name, Body: map[string]string{"id": name}}
		if err := store.Save(context.Background(), p); err != nil {
			t.Fatalf("Save %q: %v", name, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "call"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("%d files on disk for %d participants", len(entries), len(names))
	}
	for _, name := range names {
		data, err := os.ReadFile(store.Path(Payload{Kind: KindParticipant, Name: name}))
		if err != nil {
			t.Fatalf("read %q: %v", name, err)
		}
		var env struct {
			Name string `json:"name"`
		}
		if err := codec.Unmarshal(data, &env); err != nil || env.Name != name {
			t.Fatalf("file for %q holds %q (%v)", name, env.Name, err)
		}
	}
}

func TestFileStoreCanceledContext(t *testing.T) {
	codec, _ := NewCodec("json")
	dir := t.TempDir()
	store, _ := NewFileStore(dir, "call", codec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, Payload{Kind: KindAudio}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "call")); !os.IsNotExist(err) {
		t.Fatal("canceled save created output")
	}
}

func TestNewFileStoreValidates(t *testing.T) {
	codec, _ := NewCodec("json")
	if _, err := NewFileStore("", "call", codec, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := NewFileStore("/tmp", "", codec, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty call id")
	}
	if _, err := NewFileStore("/tmp", "call", nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil codec")
	}
}
