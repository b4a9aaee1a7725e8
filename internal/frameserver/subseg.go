package frameserver

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/calder-io/frameserv/internal/shm"
)

// maxHintDim is the platform ceiling for subsegment dimension hints.
const maxHintDim = 8192

// placeholderDim is both the fallback for out-of-range hints and the size of
// the in-host placeholder video object.
const placeholderDim = 32

func clampHint(v int) int {
	if v <= 0 || v > maxHintDim {
		return placeholderDim
	}
	return v
}

// NewSubsegment allocates an additional segment multiplexed onto an existing
// live connection. The transport already exists, so there is no rendezvous
// socket: a fresh control pair is created and its child end pushed to the
// peer over the parent's control socket, paired with an FDTRANSFER event,
// while a NEWSEGMENT event in the parent's outgoing queue announces the key.
//
// Input subsegments carry no audio. The new segment inherits the parent's
// child pid for liveness hints only and never schedules a nanny.
func (s *Segment) NewSubsegment(input bool, w, h int, tag uint32) (*Segment, error) {
	if s == nil || s.Page == nil {
		return nil, ErrBadHandle
	}
	if s.State != StateLive || s.Ctrl < 0 {
		return nil, ErrNotLive
	}
	w, h = clampHint(w), clampHint(h)

	sub, err := Allocate(s.hooks, "")
	if err != nil {
		return nil, err
	}
	sub.Subsegment = true
	sub.Child = s.Child
	sub.EventMask = shm.CatExternal

	if !input {
		// Size against whichever of parent and default is larger; the
		// two may drift and undersizing corrupts the mix. Recorded
		// before the resize so the page is sized for it.
		absz := s.Page.AudioSize()
		if absz < shm.DefaultAudioSize {
			absz = shm.DefaultAudioSize
		}
		sub.Page.SetAudioSize(absz)
	}

	// The start-size page rarely fits the hinted resolution; grow it
	// before anything dereferences the derived buffers.
	if err := sub.Page.Resize(w, h); err != nil {
		sub.Release()
		return nil, fmt.Errorf("size for %dx%d: %w", w, h, err)
	}

	if s.hooks.VideoPlaceholder != nil {
		if err := s.hooks.VideoPlaceholder(sub, placeholderDim, placeholderDim); err != nil {
			sub.Release()
			return nil, fmt.Errorf("placeholder video: %w", err)
		}
	}

	if !input && s.hooks.AttachAudio != nil {
		if err := s.hooks.AttachAudio(sub); err != nil {
			sub.Release()
			return nil, fmt.Errorf("audio attach: %w", err)
		}
	}

	parentFD, childFD, err := ControlPair()
	if err != nil {
		sub.Release()
		return nil, err
	}
	sub.Ctrl = parentFD

	if err := SendFD(s.Ctrl, childFD, []byte{shm.EvFDTransfer}); err != nil {
		unix.Close(childFD)
		sub.Release()
		return nil, err
	}
	unix.Close(childFD)

	if !s.Enqueue(shm.NewSegmentEvent(sub.Key, tag)) {
		warnf("parent outqueue full, dropping newsegment notice", "key", s.Key)
	}
	return sub, nil
}
