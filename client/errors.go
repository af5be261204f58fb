package client

import "github.com/nvshare-io/nvshare/internal/xerrors"

var (
	errSensorUnavailable = xerrors.New("utilization_sensor", xerrors.CodeSensorUnavailable, "sensor not available")
	// ErrOutOfMemory is returned by the memory-info shim's MemAlloc when
	// an allocation would exceed the reported allocatable ceiling and the
	// process has not opted into single-process oversubscription.
	ErrOutOfMemory = xerrors.New("mem_alloc", xerrors.CodeDriver, "out of memory")
)
