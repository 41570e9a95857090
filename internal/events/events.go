// Package events defines the Command/Update channel vocabulary bridging
// (out-of-scope) HTTP handlers to the Session Engine (spec.md §4.8).
// Grounded on original_source/src/api/engine.rs's CopyTradeCommand enum
// and the CopyTradeUpdate broadcast referenced throughout engine.rs,
// realized as tagged Go interfaces rather than a Rust enum.
package events

// Command is sent on a session's command channel.
type Command interface{ isCommand() }

type StartCommand struct{ SessionID string }
type PauseCommand struct{ SessionID string }
type ResumeCommand struct{ SessionID string }
type StopCommand struct{ SessionID string }

func (StartCommand) isCommand()  {}
func (PauseCommand) isCommand()  {}
func (ResumeCommand) isCommand() {}
func (StopCommand) isCommand()   {}

// Update is broadcast on the engine's update channel for HTTP/notify
// consumers to observe session lifecycle and order events.
type Update interface{ isUpdate() }

type SessionPaused struct {
	SessionID string
	Owner     string
}

type SessionResumed struct {
	SessionID string
	Owner     string
}

type SessionStopped struct {
	SessionID string
	Owner     string
	Reason    string
}

type OrderPlaced struct {
	SessionID    string
	Owner        string
	OrderID      string
	AssetID      string
	Side         string
	SizeUSDC     float64
	Price        float64
	SourceTrader string
	Simulated    bool
}

type OrderFilled struct {
	SessionID   string
	Owner       string
	OrderID     string
	AssetID     string
	FillPrice   float64
	SlippageBps float64
}

type OrderFailed struct {
	SessionID string
	Owner     string
	OrderID   string
	Reason    string
}

func (SessionPaused) isUpdate()  {}
func (SessionResumed) isUpdate() {}
func (SessionStopped) isUpdate() {}
func (OrderPlaced) isUpdate()    {}
func (OrderFilled) isUpdate()    {}
func (OrderFailed) isUpdate()    {}
