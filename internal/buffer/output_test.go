package buffer

import (
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewOutputBuffer(t *testing.T) {
	b := NewOutputBuffer(100)
	if b.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", b.Cap())
	}
	if b.Len() != 0 {
		t.Errorf("expected length 0, got %d", b.Len())
	}

	for _, capacity := range []int{0, -5} {
		if got := NewOutputBuffer(capacity).Cap(); got != DefaultCapacity {
			t.Errorf("expected default capacity for %d, got %d", capacity, got)
		}
	}
}

func TestOutputBuffer_AppendKeepsOrder(t *testing.T) {
	b := NewOutputBuffer(64)
	for _, f := range []string{"one\n", "two\n", "", "three\n"} {
		b.Append(f)
	}

	got := b.Fragments()
	want := []string{"one\n", "two\n", "", "three\n"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %q, got %q", want, got)
	}
	if b.String() != "one\ntwo\nthree\n" {
		t.Errorf("unexpected string %q", b.String())
	}
	if b.Len() != 14 {
		t.Errorf("expected length 14, got %d", b.Len())
	}
}

func TestOutputBuffer_DropsOldest(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Append("hello")
	b.Append("world")
	b.Append("!!")

	if b.String() != "world!!" {
		t.Errorf("expected 'world!!', got %q", b.String())
	}
	if b.Dropped() != 1 {
		t.Errorf("expected 1 dropped fragment, got %d", b.Dropped())
	}
}

func TestOutputBuffer_OversizedFragmentKeepsTail(t *testing.T) {
	b := NewOutputBuffer(5)
	b.Append("ab")
	b.Append("0123456789")

	if b.String() != "56789" {
		t.Errorf("expected tail '56789', got %q", b.String())
	}
	if b.Len() != 5 {
		t.Errorf("expected length 5, got %d", b.Len())
	}
}

func TestOutputBuffer_Reset(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Append("abc")
	b.Append("def")
	b.Reset()

	if b.Len() != 0 || b.Fragments() != nil || b.Dropped() != 0 {
		t.Errorf("expected empty buffer after reset, got len=%d dropped=%d", b.Len(), b.Dropped())
	}

	n, err := b.Write([]byte("xy"))
	if err != nil || n != 2 {
		t.Errorf("unexpected write result n=%d err=%v", n, err)
	}
	if n, _ := b.Write(nil); n != 0 {
		t.Errorf("expected empty write to be ignored")
	}
	if b.String() != "xy" {
		t.Errorf("expected 'xy', got %q", b.String())
	}
}

func TestOutputBuffer_Concurrent(t *testing.T) {
	b := NewOutputBuffer(1 << 16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Append("x")
				_ = b.String()
			}
		}()
	}
	wg.Wait()

	if b.Len() != 800 {
		t.Errorf("expected 800 bytes, got %d", b.Len())
	}
}

// **Feature: sandbox-client, Property: output buffer bound**
// For any sequence of fragments, the buffer never exceeds its capacity and
// always ends with the most recent fragment.
func TestOutputBufferBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("size stays within capacity", prop.ForAll(
		func(capacity int, fragments []string) bool {
			b := NewOutputBuffer(capacity)
			for _, f := range fragments {
				b.Append(f)
				if b.Len() > capacity {
					return false
				}
			}
			if len(fragments) == 0 {
				return b.Len() == 0
			}
			last := fragments[len(fragments)-1]
			if len(last) > capacity {
				last = last[len(last)-capacity:]
			}
			return strings.HasSuffix(b.String(), last) && len(b.String()) == b.Len()
		},
		gen.IntRange(1, 64),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
