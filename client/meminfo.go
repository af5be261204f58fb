package client

import (
	"os"
	"sync"

	"github.com/nvshare-io/nvshare/internal/logging"
)

// ReserveMiB is the fixed amount of device memory hidden from reported
// free memory, to account for non-pageable per-context driver overhead
// that is not static and grows with the number of colocated processes
// (§4.6).
const ReserveMiB = 1536

const reserveBytes = uint64(ReserveMiB) * 1024 * 1024

// memShim implements the memory-info shim (§4.6): it reports free memory
// reduced by ReserveMiB and rewrites fixed allocations into managed
// (device-paged) allocations so aggregate allocations across colocated
// processes can oversubscribe physical capacity.
type memShim struct {
	mu sync.Mutex

	driver Driver
	log    *logging.Logger

	gotMax           bool
	totalAllocatable uint64
	sumAllocated     uint64
	allocations      map[uintptr]uint64

	// allowOversub mirrors NVSHARE_ENABLE_SINGLE_OVERSUB: when set, a
	// single process may allocate past the reported free-memory cap,
	// with a warning, instead of failing with ErrOutOfMemory.
	allowOversub bool
}

func newMemShim(driver Driver) *memShim {
	return &memShim{
		driver:       driver,
		log:          logging.Default(),
		allocations:  make(map[uintptr]uint64),
		allowOversub: os.Getenv("NVSHARE_ENABLE_SINGLE_OVERSUB") != "",
	}
}

// MemGetInfo reports free memory reduced by the fixed reserve. The gate
// does not apply to this call (§4.6).
func (m *memShim) MemGetInfo() (free, total uint64, err error) {
	_, total, err = m.driver.MemGetInfo()
	if err != nil {
		return 0, 0, err
	}
	if total < reserveBytes {
		return 0, total, nil
	}
	return total - reserveBytes, total, nil
}

// MemAlloc performs a gate-exempt, oversubscription-aware allocation,
// rewritten transparently into a managed allocation.
func (m *memShim) MemAlloc(size uint64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.gotMax {
		_, total, err := m.driver.MemGetInfo()
		if err != nil {
			return 0, err
		}
		if total < reserveBytes {
			m.totalAllocatable = 0
		} else {
			m.totalAllocatable = total - reserveBytes
		}
		m.gotMax = true
	}

	if m.sumAllocated+size > m.totalAllocatable {
		if !m.allowOversub {
			return 0, ErrOutOfMemory
		}
		m.log.Warn("memory allocations exceeded physical GPU memory capacity; this can cause extreme performance degradation")
	}

	ptr, err := m.driver.MemAllocManaged(size)
	if err != nil {
		return 0, err
	}

	m.allocations[ptr] = size
	m.sumAllocated += size
	return ptr, nil
}

// MemFree releases ptr and untracks it.
func (m *memShim) MemFree(ptr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.driver.MemFree(ptr); err != nil {
		return err
	}
	if size, ok := m.allocations[ptr]; ok {
		delete(m.allocations, ptr)
		m.sumAllocated -= size
	}
	return nil
}
