package frameserver

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/shm"
)

// liveParent builds an authoritative-looking live segment with a real control
// pair, returning the segment and the far (child-side) end.
func liveParent(t *testing.T, hooks Hooks) (*Segment, int) {
	t.Helper()
	// The fake child pid must never reach a real kill.
	t.Setenv("ARCAN_DEBUG_NONANNY", "1")
	s, err := Allocate(hooks, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	parentFD, childFD, err := ControlPair()
	if err != nil {
		s.Release()
		t.Fatalf("ControlPair: %v", err)
	}
	s.Ctrl = parentFD
	s.Child = 12345
	t.Cleanup(func() {
		s.Release()
		unix.Close(childFD)
	})
	return s, childFD
}

func TestSubsegmentBroker(t *testing.T) {
	parent, far := liveParent(t, Hooks{})

	sub, err := parent.NewSubsegment(false, 64, 48, 7)
	if err != nil {
		t.Fatalf("NewSubsegment: %v", err)
	}
	defer sub.Release()

	if !sub.Subsegment {
		t.Error("subsegment flag not set")
	}
	if sub.Child != parent.Child {
		t.Errorf("child = %d, want inherited %d", sub.Child, parent.Child)
	}
	if sub.EventMask != shm.CatExternal {
		t.Errorf("event mask = %#x, want external", sub.EventMask)
	}
	if w, h := sub.Page.Dimensions(); w != 64 || h != 48 {
		t.Errorf("dimensions = %dx%d, want 64x48", w, h)
	}

	// The announcement sits in the parent's outgoing queue.
	ev, ok := parent.Page.OutQueue().Dequeue()
	if !ok {
		t.Fatal("no event in parent outqueue")
	}
	if ev.Kind != shm.EvNewSegment || ev.Tag != 7 {
		t.Errorf("event kind=%d tag=%d", ev.Kind, ev.Tag)
	}
	if ev.SegmentKey() != sub.Key {
		t.Errorf("event key = %q, want %q", ev.SegmentKey(), sub.Key)
	}
	if parent.Esem.Value() == 0 {
		t.Error("event semaphore not posted")
	}

	// A descriptor rode the control channel, tagged as a transfer.
	fd, payload, err := RecvFD(far)
	if err != nil {
		t.Fatalf("RecvFD: %v", err)
	}
	defer unix.Close(fd)
	if len(payload) != 1 || payload[0] != shm.EvFDTransfer {
		t.Errorf("payload = %v", payload)
	}
}

func TestSubsegmentHintClamp(t *testing.T) {
	parent, far := liveParent(t, Hooks{})
	_ = far

	sub, err := parent.NewSubsegment(true, -3, 100000, 1)
	if err != nil {
		t.Fatalf("NewSubsegment: %v", err)
	}
	defer sub.Release()
	if w, h := sub.Page.Dimensions(); w != 32 || h != 32 {
		t.Errorf("dimensions = %dx%d, want clamped 32x32", w, h)
	}
}

func TestSubsegmentSizedToHint(t *testing.T) {
	parent, _ := liveParent(t, Hooks{})

	// A resolution the start-size page cannot hold.
	sub, err := parent.NewSubsegment(false, 1280, 720, 4)
	if err != nil {
		t.Fatalf("NewSubsegment: %v", err)
	}
	defer sub.Release()

	if w, h := sub.Page.Dimensions(); w != 1280 || h != 720 {
		t.Fatalf("dimensions = %dx%d", w, h)
	}
	video := sub.Page.Video()
	if len(video) != 1280*720*4 {
		t.Fatalf("video buffer = %d bytes, want %d", len(video), 1280*720*4)
	}
	audio := sub.Page.Audio()
	if uint32(len(audio)) != sub.Page.AudioSize() {
		t.Errorf("audio buffer = %d bytes, capacity %d", len(audio), sub.Page.AudioSize())
	}
	// Both buffers are fully addressable.
	video[len(video)-1] = 0xff
	audio[len(audio)-1] = 0xff
}

func TestSubsegmentAudioSizing(t *testing.T) {
	parent, _ := liveParent(t, Hooks{})
	parent.Page.SetAudioSize(shm.DefaultAudioSize / 2)

	sub, err := parent.NewSubsegment(false, 32, 32, 2)
	if err != nil {
		t.Fatalf("NewSubsegment: %v", err)
	}
	defer sub.Release()
	// The larger of parent size and default wins.
	if sub.Page.AudioSize() != shm.DefaultAudioSize {
		t.Errorf("audio size = %d, want %d", sub.Page.AudioSize(), shm.DefaultAudioSize)
	}
}

func TestSubsegmentNeverNannies(t *testing.T) {
	parent, _ := liveParent(t, Hooks{})
	sub, err := parent.NewSubsegment(true, 32, 32, 3)
	if err != nil {
		t.Fatalf("NewSubsegment: %v", err)
	}
	// Release of a subsegment with a bogus inherited pid must not try to
	// supervise it; nothing observable to assert beyond not hanging, but
	// the state must settle.
	sub.Release()
	if sub.State != StateDead {
		t.Errorf("state = %v", sub.State)
	}
}

func TestSubsegmentRequiresLive(t *testing.T) {
	s, err := Allocate(Hooks{}, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer s.Release()
	// No control socket: not an authoritative live segment.
	if _, err := s.NewSubsegment(false, 32, 32, 0); err == nil {
		t.Fatal("expected refusal without a control channel")
	}
}
