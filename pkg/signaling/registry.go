package signaling

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/mrcp_bridge/pkg/bridge"
	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// Handle непрозрачный идентификатор сессии. Значения строго возрастают
// начиная с 1 и не переиспользуются в пределах одного Registry.
type Handle uint64

// Registry реестр сессий: отображение handle -> запись под одним мьютексом.
// Все изменения записей выполняются под этим мьютексом. Ссылка на запись
// действительна только пока мьютекс удерживается.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records map[Handle]*record
	next    Handle
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	r := &Registry{
		records: make(map[Handle]*record),
		next:    1,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// record состояние одной сессии
type record struct {
	handle  Handle
	running atomic.Bool

	// согласование
	remoteIP     string
	remotePort   int
	payloadType  uint8
	ptimeMs      int
	channelAdded bool
	addStatus    engine.Status

	localPort int
	portPool  *portPool

	// владение
	worker *workerHandle
	sink   *bridge.Sink[Event]

	// объекты движка
	runtime    *engine.Runtime
	client     engine.Client
	session    engine.Session
	channel    engine.Channel
	correlator *engine.Correlator

	lifecycle *fsm.FSM
	stats     *telemetry
	profileID string
	codec     string
	openedAt  time.Time
}

// allocate вставляет запись и возвращает ее новый handle
func (r *Registry) allocate(rec *record) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.next
	r.next++
	rec.handle = h
	r.records[h] = rec
	return h
}

// lookupLocked возвращает запись или nil. Вызывается под r.mu.
func (r *Registry) lookupLocked(h Handle) *record {
	return r.records[h]
}

// eraseLocked удаляет запись. Вызывается под r.mu.
func (r *Registry) eraseLocked(h Handle) {
	delete(r.records, h)
}

// view выполняет fn с записью под мьютексом реестра.
// Возвращает false, если записи нет; fn в этом случае не вызывается.
func (r *Registry) view(h Handle, fn func(*record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[h]
	if rec == nil {
		return false
	}
	fn(rec)
	return true
}

// update выполняет fn под мьютексом и будит ожидающих согласования
func (r *Registry) update(h Handle, fn func(*record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[h]
	if rec != nil {
		fn(rec)
	}
	r.cond.Broadcast()
	return rec != nil
}

func (r *Registry) broadcast() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Contains проверяет наличие handle
func (r *Registry) Contains(h Handle) bool {
	return r.view(h, func(*record) {})
}

// Len количество открытых сессий
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Handles открытые handle по возрастанию
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.records))
	for h := range r.records {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// negotiation снимок результата согласования
type negotiation struct {
	remoteIP    string
	remotePort  int
	ptimeMs     int
	added       bool
	status      engine.Status
	payloadType uint8
}

// waitOutcome чем закончилось ожидание согласования
type waitOutcome int

const (
	waitAdded waitOutcome = iota
	waitTimedOut
	waitCancelled
	waitGone
)

// waitNegotiated блокирует вызывающего до channelAdded, истечения timeout,
// отмены ctx или удаления записи. Предикат и ожидание используют мьютекс
// реестра, поэтому пробуждение не может быть пропущено. Таймер и отмена
// контекста будят ожидающих через тот же sync.Cond.
func (r *Registry) waitNegotiated(ctx context.Context, h Handle, timeout time.Duration) (negotiation, waitOutcome) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, r.broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, r.broadcast)
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		rec := r.records[h]
		if rec == nil {
			return negotiation{}, waitGone
		}
		if rec.channelAdded {
			return rec.snapshotLocked(), waitAdded
		}
		if !time.Now().Before(deadline) {
			return rec.snapshotLocked(), waitTimedOut
		}
		if ctx.Err() != nil {
			return rec.snapshotLocked(), waitCancelled
		}
		r.cond.Wait()
	}
}

func (rec *record) snapshotLocked() negotiation {
	return negotiation{
		remoteIP:    rec.remoteIP,
		remotePort:  rec.remotePort,
		ptimeMs:     rec.ptimeMs,
		added:       rec.channelAdded,
		status:      rec.addStatus,
		payloadType: rec.payloadType,
	}
}

// applyChannelAddLocked записывает результат согласования ровно один раз.
// Параметры берутся из удаленной стороны описания, недостающие из локальной.
func (rec *record) applyChannelAddLocked(status engine.Status, desc *engine.RTPDescriptor) bool {
	if rec.channelAdded {
		return false
	}
	rec.channelAdded = true
	rec.addStatus = status
	if status != engine.StatusSuccess || desc == nil {
		return true
	}

	if remote := desc.Remote; remote != nil {
		if remote.IP != "" {
			rec.remoteIP = remote.IP
		}
		rec.remotePort = remote.Port
		if remote.PtimeMs > 0 {
			rec.ptimeMs = remote.PtimeMs
		}
	}
	if (rec.remotePort == 0 || rec.remoteIP == "") && desc.Local != nil {
		local := desc.Local
		if rec.remoteIP == "" && local.IP != "" {
			rec.remoteIP = local.IP
		}
		if rec.remotePort == 0 {
			rec.remotePort = local.Port
		}
		if rec.ptimeMs == 0 && local.PtimeMs > 0 {
			rec.ptimeMs = local.PtimeMs
		}
	}
	return true
}
