package audiodsp

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result callback")
	}
}

func TestProcessor_PassthroughWhenRatesMatch(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 16000, OutputSampleRate: 16000})
	defer p.Close()

	chunk := make([]byte, 1024)
	done := make(chan struct{})
	var got []byte
	p.Submit(chunk, func(pcm []byte) {
		got = pcm
		close(done)
	}, nil)
	waitFor(t, done)

	if len(got) != len(chunk) {
		t.Errorf("len(got) = %d, want %d (passthrough)", len(got), len(chunk))
	}
}

func TestProcessor_Resamples48kTo16k(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 48000, OutputSampleRate: 16000})
	defer p.Close()

	chunk := make([]byte, 4800) // 2400 samples at 48kHz
	done := make(chan struct{})
	var got []byte
	p.Submit(chunk, func(pcm []byte) {
		got = pcm
		close(done)
	}, nil)
	waitFor(t, done)

	if len(got) == 0 {
		t.Fatal("expected non-empty resampled output")
	}
	// Roughly a third the length of the 48kHz input (accounting for the
	// one-sample tail held back for the next chunk's interpolation).
	if len(got) > len(chunk)/3 {
		t.Errorf("len(got) = %d, want roughly <= %d (1/3 of input)", len(got), len(chunk)/3)
	}
}

func TestProcessor_NoiseReductionTriggersOnNativeFrameSize(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 16000, OutputSampleRate: 16000})
	defer p.Close()

	// 480 samples = 960 bytes: the native noise-reduction frame size.
	chunk := make([]byte, nativeFrameSamples*2)
	for i := 0; i < len(chunk); i += 2 {
		chunk[i] = 1 // low-amplitude noise, below the gate floor
	}
	done := make(chan struct{})
	var got []byte
	p.Submit(chunk, func(pcm []byte) {
		got = pcm
		close(done)
	}, nil)
	waitFor(t, done)

	allZero := true
	for _, b := range got {
		if b != 0 {
			allZero = false
			break
		}
	}
	if !allZero {
		t.Error("expected low-amplitude 480-sample frame to be gated to zero by noise reduction")
	}
}

func TestProcessor_NoiseReductionSkippedOnNonNativeFrameSize(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 16000, OutputSampleRate: 16000})
	defer p.Close()

	// 512 samples: explicitly not the native frame size, must bypass the gate.
	chunk := make([]byte, 512*2)
	for i := range chunk {
		chunk[i] = 1
	}
	done := make(chan struct{})
	var got []byte
	p.Submit(chunk, func(pcm []byte) {
		got = pcm
		close(done)
	}, nil)
	waitFor(t, done)

	if len(got) != len(chunk) {
		t.Fatalf("len(got) = %d, want %d (unchanged, passthrough)", len(got), len(chunk))
	}
	allZero := true
	for _, b := range got {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("512-sample frame should bypass noise reduction and keep its original bytes")
	}
}

func TestProcessor_SilenceResetFiresAfterThreshold(t *testing.T) {
	p := NewProcessor(Config{
		InputSampleRate:     16000,
		OutputSampleRate:    16000,
		SilenceResetAfter:   20 * time.Millisecond,
		SilenceRMSThreshold: 200,
	})
	defer p.Close()

	silentChunk := make([]byte, 320) // all-zero: silence

	var mu sync.Mutex
	resetCount := 0
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		p.Submit(silentChunk, func(pcm []byte) {
			wg.Done()
		}, func() {
			mu.Lock()
			resetCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if resetCount == 0 {
		t.Error("expected at least one silence reset after threshold elapsed")
	}
}

func TestProcessor_LoudAudioDoesNotTriggerSilenceReset(t *testing.T) {
	p := NewProcessor(Config{
		InputSampleRate:   16000,
		OutputSampleRate:  16000,
		SilenceResetAfter: 10 * time.Millisecond,
	})
	defer p.Close()

	loudChunk := make([]byte, 320)
	for i := 0; i+1 < len(loudChunk); i += 2 {
		loudChunk[i] = 0xFF
		loudChunk[i+1] = 0x7F // near max positive int16
	}

	var wg sync.WaitGroup
	resetFired := false
	for i := 0; i < 4; i++ {
		wg.Add(1)
		p.Submit(loudChunk, func(pcm []byte) { wg.Done() }, func() {
			resetFired = true
		})
		time.Sleep(15 * time.Millisecond)
	}
	wg.Wait()

	if resetFired {
		t.Error("silence reset should not fire while receiving loud audio")
	}
}

func TestProcessor_DropsOddLengthChunk(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 16000, OutputSampleRate: 16000})
	defer p.Close()

	called := make(chan struct{}, 1)
	p.Submit([]byte{0x01, 0x02, 0x03}, func(pcm []byte) {
		called <- struct{}{}
	}, nil)

	select {
	case <-called:
		t.Fatal("onResult should not be called for an odd-length chunk")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProcessor_CloseStopsAcceptingWork(t *testing.T) {
	p := NewProcessor(Config{InputSampleRate: 16000, OutputSampleRate: 16000, Workers: 2})
	p.Close()

	called := make(chan struct{}, 1)
	p.Submit(make([]byte, 10), func(pcm []byte) {
		called <- struct{}{}
	}, nil)

	select {
	case <-called:
		t.Fatal("onResult should not fire after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
