package signaling

import (
	"fmt"
	"sync"
)

// portPool выделяет локальные RTP порты открытым сессиям.
// Выдаются только четные порты (нечетный следующий остается RTCP).
// Диапазон задает каждая сессия, занятость общая для всех сессий.
type portPool struct {
	mutex     sync.Mutex
	usedPorts map[int]Handle
}

func newPortPool() *portPool {
	return &portPool{usedPorts: make(map[int]Handle)}
}

func firstEven(port int) int {
	if port%2 != 0 {
		return port + 1
	}
	return port
}

// Allocate выделяет первый свободный четный порт из [min, max]
func (pp *portPool) Allocate(h Handle, min, max int) (int, error) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()

	for port := firstEven(min); port <= max; port += 2 {
		if _, used := pp.usedPorts[port]; !used {
			pp.usedPorts[port] = h
			return port, nil
		}
	}
	return 0, fmt.Errorf("все четные порты в диапазоне %d-%d заняты", min, max)
}

// Assign переназначает порт на handle после его выделения
func (pp *portPool) Assign(port int, h Handle) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	if _, used := pp.usedPorts[port]; used {
		pp.usedPorts[port] = h
	}
}

// Release освобождает порт
func (pp *portPool) Release(port int) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	delete(pp.usedPorts, port)
}

// IsPortUsed проверяет, используется ли порт
func (pp *portPool) IsPortUsed(port int) bool {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	_, used := pp.usedPorts[port]
	return used
}

// UsedCount количество занятых портов
func (pp *portPool) UsedCount() int {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	return len(pp.usedPorts)
}
