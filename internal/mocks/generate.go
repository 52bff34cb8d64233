// Package mocks provides gomock implementations of the core ports for testing
// the dispatch services and runners.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	target := mocks.NewMockDispatchTarget(ctrl)
//	target.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(&model.CallDescriptor{SID: "CA1"}, nil)
package mocks

// JobStore: Create, Get, Find, Update, AppendLog, Delete
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_store_mock.go github.com/target/outbound-dispatch/internal/core JobStore

// DispatchQueue: Enqueue, Remove, Get, Reserve, Heartbeat, Complete, Fail, CheckStalled, Subscribe
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=dispatch_queue_mock.go github.com/target/outbound-dispatch/internal/core DispatchQueue

// DispatchTarget: Dispatch
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=dispatch_target_mock.go github.com/target/outbound-dispatch/internal/core DispatchTarget

// SyncTrigger: Trigger
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=sync_trigger_mock.go github.com/target/outbound-dispatch/internal/core SyncTrigger

// TokenMinter: Mint
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=token_minter_mock.go github.com/target/outbound-dispatch/internal/core TokenMinter
