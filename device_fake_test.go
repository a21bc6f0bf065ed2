package gpupool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type fakeTexture struct {
	size     int
	placed   bool
	released atomic.Bool
}

func (t *fakeTexture) Size() int { return t.size }
func (t *fakeTexture) Release()  { t.released.Store(true) }

type fakeBuffer struct {
	size     int
	released atomic.Bool
}

func (b *fakeBuffer) Size() int { return b.size }
func (b *fakeBuffer) Release()  { b.released.Store(true) }

type fakeHeapMemory struct {
	size     int
	released atomic.Bool
}

func (m *fakeHeapMemory) Size() int { return m.size }
func (m *fakeHeapMemory) Release()  { m.released.Store(true) }

type fakeDevice struct {
	mu     sync.Mutex
	budget int

	textureCreates int
	bufferCreates  int
	heapCreates    int

	failTextures bool
	failBuffers  bool
	failHeaps    bool
}

func newFakeDevice(budget int) *fakeDevice {
	return &fakeDevice{budget: budget}
}

func (d *fakeDevice) CreateTexture(descriptor TextureDescriptor) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failTextures {
		return nil, errors.New("device out of memory")
	}
	d.textureCreates++
	return &fakeTexture{size: descriptor.FootprintBytes()}, nil
}

func (d *fakeDevice) CreatePlacedTexture(descriptor TextureDescriptor, memory HeapMemory, offset int) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failTextures {
		return nil, errors.New("device out of memory")
	}
	d.textureCreates++
	return &fakeTexture{size: descriptor.FootprintBytes(), placed: true}, nil
}

func (d *fakeDevice) CreateBuffer(size int, bufferType BufferType) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failBuffers {
		return nil, errors.New("device out of memory")
	}
	d.bufferCreates++
	return &fakeBuffer{size: size}, nil
}

func (d *fakeDevice) CreateHeapMemory(size int) (HeapMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failHeaps {
		return nil, errors.New("device out of memory")
	}
	d.heapCreates++
	return &fakeHeapMemory{size: size}, nil
}

func (d *fakeDevice) MemoryBudget() int {
	return d.budget
}

type fakePipeline struct {
	label    string
	released atomic.Bool
}

func (p *fakePipeline) Release() { p.released.Store(true) }

// fakeCompiler counts compile invocations and can be made to fail or to block
// until released, for exercising the single-flight and back-pressure paths.
type fakeCompiler struct {
	compiles atomic.Int64

	mu       sync.Mutex
	failWith error
	created  []*fakePipeline

	// block, when non-nil, is received from before each compile returns
	block chan struct{}
	// ignoreCancel makes a blocked compile deaf to context cancellation, the way
	// a driver compile that cannot be aborted midway is
	ignoreCancel bool
}

func (c *fakeCompiler) setFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *fakeCompiler) lastCreated() *fakePipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.created) == 0 {
		return nil
	}
	return c.created[len(c.created)-1]
}

func (c *fakeCompiler) CompilePipeline(ctx context.Context, descriptor PipelineDescriptor) (Pipeline, error) {
	c.compiles.Add(1)

	if c.block != nil {
		if c.ignoreCancel {
			<-c.block
		} else {
			select {
			case <-c.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	c.mu.Lock()
	failWith := c.failWith
	c.mu.Unlock()

	if failWith != nil {
		return nil, failWith
	}

	pipeline := &fakePipeline{label: descriptor.Label}
	c.mu.Lock()
	c.created = append(c.created, pipeline)
	c.mu.Unlock()
	return pipeline, nil
}
