package services

import "sync"

// AudioStream is the audio side of a SpeechContext: a producer delivers PCM
// chunks and finishes the stream once, a consumer ranges over Audio.
// Finish may race with Deliver from another goroutine.
type AudioStream struct {
	audio  chan []byte
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex

	mu  sync.Mutex
	err error
}

func NewAudioStream(buffer int) *AudioStream {
	return &AudioStream{
		audio: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

func (a *AudioStream) Audio() <-chan []byte { return a.audio }

// Done is closed when the stream is finished.
func (a *AudioStream) Done() <-chan struct{} { return a.done }

func (a *AudioStream) Finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *AudioStream) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Deliver blocks until the chunk is queued or the stream is finished.
func (a *AudioStream) Deliver(pcm []byte) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.Finished() {
		return
	}
	select {
	case a.audio <- pcm:
	case <-a.done:
	}
}

// Finish ends the stream with err (nil on success). Only the first call
// counts.
func (a *AudioStream) Finish(err error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.done)

		a.sendMu.Lock()
		close(a.audio)
		a.sendMu.Unlock()
	})
}
