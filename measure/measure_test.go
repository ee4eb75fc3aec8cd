package measure_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rvhyp/measure"
)

func TestDeterministicUnderFixedSequence(t *testing.T) {
	a := measure.New()
	a.AddPage(0x1000, []byte("hello"))
	a.AddPage(0x2000, []byte("world"))

	b := measure.New()
	b.AddPage(0x1000, []byte("hello"))
	b.AddPage(0x2000, []byte("world"))

	assert.Equal(t, a.Sum(), b.Sum())
}

func TestOrderSensitive(t *testing.T) {
	a := measure.New()
	a.AddPage(0x1000, []byte("hello"))
	a.AddPage(0x2000, []byte("world"))

	b := measure.New()
	b.AddPage(0x2000, []byte("world"))
	b.AddPage(0x1000, []byte("hello"))

	assert.NotEqual(t, a.Sum(), b.Sum())
}

func TestGpaAffectsDigest(t *testing.T) {
	a := measure.New()
	a.AddPage(0x1000, []byte("hello"))

	b := measure.New()
	b.AddPage(0x9999, []byte("hello"))

	assert.NotEqual(t, a.Sum(), b.Sum())
}
