package client

import (
	"context"
	"sync"
)

// fakeDriver is a test double for Driver: every call is recorded and its
// return values are pluggable, so tests can simulate driver failures and
// assert on call counts without touching a real GPU.
type fakeDriver struct {
	mu sync.Mutex

	initErr error

	ctx    Context
	ctxErr error

	syncErr   error
	syncCalls int
	syncDelay func() // optional: called synchronously inside Synchronize

	freeBytes  uint64
	totalBytes uint64
	memInfoErr error

	nextPtr      uintptr
	allocErr     error
	allocCalls   int
	freeCalls    int
	freedPtrs    []uintptr
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		ctx:        Context(1),
		totalBytes: 8 << 30,
		freeBytes:  8 << 30,
		nextPtr:    0x1000,
	}
}

func (f *fakeDriver) Init(ctx context.Context) error { return f.initErr }

func (f *fakeDriver) CurrentContext() (Context, error) {
	return f.ctx, f.ctxErr
}

func (f *fakeDriver) Synchronize(ctx Context) error {
	f.mu.Lock()
	f.syncCalls++
	delay := f.syncDelay
	f.mu.Unlock()
	if delay != nil {
		delay()
	}
	return f.syncErr
}

func (f *fakeDriver) MemGetInfo() (free, total uint64, err error) {
	return f.freeBytes, f.totalBytes, f.memInfoErr
}

func (f *fakeDriver) MemAllocManaged(size uint64) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocErr != nil {
		return 0, f.allocErr
	}
	f.allocCalls++
	ptr := f.nextPtr
	f.nextPtr += uintptr(size)
	return ptr, nil
}

func (f *fakeDriver) MemFree(ptr uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeCalls++
	f.freedPtrs = append(f.freedPtrs, ptr)
	return nil
}

// fakeSensor is a pluggable UtilizationSensor test double.
type fakeSensor struct {
	util int
	err  error
}

func (f *fakeSensor) UtilizationPercent() (int, error) { return f.util, f.err }
