// Package live 实时识别调度: 按固定节奏取帧推理, 同一会话最多一个请求在途,
// 会话切换后旧结果一律丢弃
package live

import (
	"sync"

	"go.uber.org/atomic"
)

// State 会话状态
type State int32

const (
	StateIdle      State = iota // 空闲, 可以调度下一帧
	StateScheduled              // 已占用, 正在取帧
	StateInFlight               // 请求在途
	StateCancelled              // 会话已取消
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateInFlight:
		return "in-flight"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Ticket 请求凭证, 结果返回时据此判断是否过期
type Ticket struct {
	Generation uint64
	FrameID    uint64 // 0 表示不校验帧号
}

// Machine 单飞状态机
//
// generation 只增不减, 每次 Reset/Cancel 加一
type Machine struct {
	mu         sync.Mutex
	state      State
	frameID    uint64
	generation atomic.Uint64
}

// NewMachine 创建状态机, 初始为 Cancelled, 需要 Reset 后才能调度
func NewMachine() *Machine {
	return &Machine{state: StateCancelled}
}

// Generation 当前代数
func (m *Machine) Generation() uint64 {
	return m.generation.Load()
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset 开始新会话, 返回新的代数
func (m *Machine) Reset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.frameID = 0
	return m.generation.Inc()
}

// Cancel 结束当前会话, 在途请求的结果都将被视为过期
func (m *Machine) Cancel() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateCancelled
	return m.generation.Inc()
}

// Schedule Idle -> Scheduled, 其它状态下返回 false, 调用方应丢弃这一帧
func (m *Machine) Schedule() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	m.state = StateScheduled
	return true
}

// Abort 取帧失败, Scheduled -> Idle
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateScheduled {
		m.state = StateIdle
	}
}

// Begin Scheduled -> InFlight, 分配帧号并返回凭证
func (m *Machine) Begin() (Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateScheduled {
		return Ticket{}, false
	}
	m.state = StateInFlight
	m.frameID++
	return Ticket{Generation: m.generation.Load(), FrameID: m.frameID}, true
}

// Settle 结果返回, InFlight -> Idle
//
// 代数不一致, 帧号不一致, 或当前没有在途请求时返回 false, 状态不变
func (m *Machine) Settle(t Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Generation != m.generation.Load() || m.state != StateInFlight {
		return false
	}
	if t.FrameID != 0 && t.FrameID != m.frameID {
		return false
	}
	m.state = StateIdle
	return true
}

// Expire 在途请求超时, InFlight -> Idle, 之后到达的该帧结果按过期处理
func (m *Machine) Expire(t Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Generation != m.generation.Load() || m.state != StateInFlight || t.FrameID != m.frameID {
		return false
	}
	m.state = StateIdle
	return true
}
