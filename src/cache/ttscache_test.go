package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCompute_Hit(t *testing.T) {
	c := New(0, 0)
	fp := Fingerprint{Provider: "deepgram", Voice: "aura-asteria-en", Text: "hello from waav"}

	var calls int32
	producer := func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return Artifact{Data: []byte("audio-bytes")}, nil
	}

	first, err := c.GetOrCompute(fp, producer)
	require.NoError(t, err)
	second, err := c.GetOrCompute(fp, producer)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Data, second.Data)
}

func TestGetOrCompute_ConcurrentSingleFlight(t *testing.T) {
	c := New(0, 0)
	fp := Fingerprint{Provider: "elevenlabs", Voice: "rachel", Text: "Hello from WaaV!"}

	var calls int32
	release := make(chan struct{})
	producer := func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Artifact{Data: []byte("synthesized")}, nil
	}

	const n = 8
	results := make([]Artifact, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(fp, producer)
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let every caller attach before unblocking
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "producer must run at most once per fingerprint")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "synthesized", string(results[i].Data))
	}
}

func TestGetOrCompute_ProducerErrorNotCached(t *testing.T) {
	c := New(0, 0)
	fp := Fingerprint{Provider: "cartesia", Text: "boom"}

	boom := fmt.Errorf("upstream rejected request")
	var calls int32
	_, err := c.GetOrCompute(fp, func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return Artifact{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len(), "a producer error must not leave an entry in the cache")

	// A subsequent call must retry rather than replay the cached error.
	_, err = c.GetOrCompute(fp, func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return Artifact{Data: []byte("ok")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFingerprint_Key_NormalizesWhitespace(t *testing.T) {
	a := Fingerprint{Provider: "deepgram", Text: "hello   world\t\n"}
	b := Fingerprint{Provider: "deepgram", Text: "hello world"}
	assert.Equal(t, a.Key(), b.Key())
}

func TestFingerprint_Key_DiffersOnOutputAffectingField(t *testing.T) {
	base := Fingerprint{Provider: "deepgram", Voice: "aura-asteria-en", SampleRate: 24000, Text: "hi"}
	other := base
	other.SampleRate = 16000
	assert.NotEqual(t, base.Key(), other.Key())
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	c := New(0, 10*time.Millisecond)
	fp := Fingerprint{Provider: "deepgram", Text: "expire me"}

	var calls int32
	producer := func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return Artifact{Data: []byte("v1")}, nil
	}
	_, err := c.GetOrCompute(fp, producer)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.GetOrCompute(fp, func() (Artifact, error) {
		atomic.AddInt32(&calls, 1)
		return Artifact{Data: []byte("v2")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "expired entries must recompute")
}

func TestInsertLocked_EvictsByCapacity(t *testing.T) {
	c := New(10, 0) // 10 bytes total capacity

	_, err := c.GetOrCompute(Fingerprint{Text: "one"}, func() (Artifact, error) {
		return Artifact{Data: make([]byte, 6)}, nil
	})
	require.NoError(t, err)
	_, err = c.GetOrCompute(Fingerprint{Text: "two"}, func() (Artifact, error) {
		return Artifact{Data: make([]byte, 6)}, nil
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, c.Len(), 1, "inserting past capacity must evict older entries")
}
