package handlers

import (
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/engine"
)

// Built-in handler class names, referenced by handler config files.
const (
	ClassArithmetic = "arithmetic"
	ClassEcho       = "echo"
	ClassSleep      = "sleep"
	ClassMarketData = "market_data"
	ClassChain      = "chain"
)

// RegisterBuiltins installs the built-in catalogue on an engine registry.
// submit may be nil when chains are not configured; the chain class is then
// omitted.
func RegisterBuiltins(reg *engine.Registry, chains *config.ChainRegistry, submit Submitter) {
	reg.Register(ClassArithmetic, func() engine.Handler { return NewArithmeticHandler() })
	reg.Register(ClassEcho, func() engine.Handler { return NewEchoHandler() })
	reg.Register(ClassSleep, func() engine.Handler { return NewSleepHandler() })
	reg.Register(ClassMarketData, func() engine.Handler { return NewMarketDataHandler() })

	if chains != nil && submit != nil {
		reg.Register(ClassChain, func() engine.Handler { return NewChainHandler(chains, submit) })
	}
}
