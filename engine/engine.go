// Package engine re-exports the host-integration contract defined in
// package vm. The interfaces themselves live on vm.Runtime's side of the
// boundary (vm/engine.go) so the core package never imports a host package
// and a host package like internal/hostengine can import both without a
// cycle; this package exists purely so callers outside vm can spell the
// types as "engine.Engine" instead of reaching into vm for them.
package engine

import "github.com/ktstephano/ciphelvm/vm"

// Engine is the contract a host must satisfy to run a vm.Runtime (§6).
type Engine = vm.Engine

// ExternFunction is a host-provided instruction resolved through
// Engine.Find (§6).
type ExternFunction = vm.ExternFunction

// BaseExternFunction is an embeddable no-op base for the four optional
// event-like hooks on ExternFunction.
type BaseExternFunction = vm.BaseExternFunction

// ThreadID is the opaque (pid, tid) pair threads and signals carry.
type ThreadID = vm.ThreadID
