package dma

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/rpi-ws2805/internal/regs"
	"github.com/coreman2200/rpi-ws2805/rpihw"
)

func init() {
	sleep = func(time.Duration) {}
}

func setup(t *testing.T, s *regs.Sim) (Allocator, regs.Port) {
	p, err := rpihw.Lookup(0xa02082)
	require.NoError(t, err)
	port, err := s.Map(p, []regs.Block{regs.DMA, regs.PWM}, 10)
	require.NoError(t, err)
	return func(size int) (regs.Memory, error) { return s.Alloc(p, size) }, port
}

func TestPlan(t *testing.T) {
	data := []struct {
		n, max int
		want   []int
	}{
		{0, MaxLenLite, nil},
		{100, MaxLenLite, []int{100}},
		{MaxLenLite, MaxLenLite, []int{MaxLenLite}},
		{MaxLenLite + 8, MaxLenLite, []int{MaxLenLite, 8}},
		{200000, MaxLenLite, []int{65532, 65532, 65532, 3404}},
		{200000, MaxLen, []int{200000}},
		// maxLen is rounded down to a word.
		{10, 6, []int{4, 4, 2}},
	}
	for _, v := range data {
		assert.Equal(t, v.want, Plan(v.n, v.max), "%d/%d", v.n, v.max)
	}
}

func TestControlBlockLayout(t *testing.T) {
	cb := ControlBlock{TI: 1, Source: 2, Dest: 3, Len: 4, Stride: 5, Next: 6}
	b := make([]byte, CBSize)
	for i := range b {
		b[i] = 0xFF
	}
	cb.Put(b)
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0, 5, 0, 0, 0, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, b)
	assert.Equal(t, cb, ReadControlBlock(b))
}

func TestBuild(t *testing.T) {
	s := &regs.Sim{}
	alloc, port := setup(t, s)
	spec := Spec{DataLen: 150000, Dest: port.BusAddr(regs.PWM) + 0x18, Permap: PermapPWM, MaxLen: MaxLenLite}
	p, err := Build(alloc, spec)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 3, p.Blocks())
	total := uint32(0)
	src := p.Addr() + 3*CBSize
	for i := 0; i < p.Blocks(); i++ {
		cb := p.Block(i)
		assert.Equal(t, uint32(0x7E20C018), cb.Dest)
		assert.Equal(t, src+total, cb.Source, "block %d", i)
		assert.Equal(t, uint32(TINoWideBursts|TIWaitResp|TIDestDreq|TISrcInc|5<<16), cb.TI&^TIIntEn)
		assert.Zero(t, cb.Source%4)
		total += cb.Len
		if i < p.Blocks()-1 {
			assert.Equal(t, p.Addr()+uint32(i+1)*CBSize, cb.Next)
			assert.Zero(t, cb.TI&TIIntEn)
		} else {
			assert.Zero(t, cb.Next)
			assert.NotZero(t, cb.TI&TIIntEn)
		}
	}
	assert.Equal(t, uint32(150000), total)
	assert.Len(t, p.Data(), 150000)

	assert.True(t, p.Matches(spec))
	other := spec
	other.DataLen = 100
	assert.False(t, p.Matches(other))
	var nilProg *Program
	assert.False(t, nilProg.Matches(spec))
}

func TestRewriteAndRun(t *testing.T) {
	s := &regs.Sim{Polls: 1}
	alloc, port := setup(t, s)
	p, err := Build(alloc, Spec{DataLen: 8, Dest: 0x7E20C018, Permap: PermapPWM})
	require.NoError(t, err)

	require.NoError(t, p.Rewrite([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, p.Data())
	assert.Error(t, p.Rewrite(make([]byte, 9)))

	e := Engine{Port: port}
	e.Start(p.Addr())
	active, err := e.Status()
	require.NoError(t, err)
	assert.True(t, active)
	active, err = e.Status()
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, [][]byte{{1, 2, 3, 0, 0, 0, 0, 0}}, s.Frames())

	e.Stop()
	assert.Zero(t, s.Reg(regs.DMA, CS))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, s.Allocated())
}

func TestFault(t *testing.T) {
	s := &regs.Sim{DMAError: true}
	alloc, port := setup(t, s)
	p, err := Build(alloc, Spec{DataLen: 8})
	require.NoError(t, err)
	e := Engine{Port: port}
	e.Start(p.Addr())
	_, err = e.Status()
	var f *Fault
	require.True(t, errors.As(err, &f))
	assert.NotZero(t, f.CS&CSError)
	assert.NotZero(t, f.Debug&DebugReadError)
	assert.Contains(t, err.Error(), "read error")
}

func TestBuildAllocFailure(t *testing.T) {
	cause := &regs.MapError{Kind: regs.KindMailbox, Err: errors.New("no vcio")}
	s := &regs.Sim{AllocErr: cause}
	alloc, _ := setup(t, s)
	_, err := Build(alloc, Spec{DataLen: 8})
	assert.True(t, errors.Is(err, ErrAlloc))
	var me *regs.MapError
	assert.True(t, errors.As(err, &me))

	_, err = Build(alloc, Spec{})
	assert.Error(t, err)
}
