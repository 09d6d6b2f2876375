// Package memotest provides a reusable contract suite for memocore.Backend
// implementations.
//
// Backend authors can run the suite from their own tests without depending on
// root test helpers. Optional capabilities are detected and exercised
// automatically.
//
// Example pattern (backend test):
//
//	func TestRedisBackendContract(t *testing.T) {
//		client := newTestRedisClient(t)
//		backend := memo.NewBackend(context.Background(), memo.Config{
//			Driver:      memo.DriverRedis,
//			RedisClient: client,
//			Prefix:      "test",
//		})
//
//		// Namespace keys per test and tune TTL waits for backend semantics as needed.
//		memotest.RunBackendContract(t, backend, memotest.Options{
//			CaseName: t.Name(),
//			TTL:      time.Second,
//			TTLWait:  1500 * time.Millisecond,
//		})
//	}
//
// Example factory/cleanup wrapper:
//
//	func runContractWithFactory(t *testing.T, mk func(t *testing.T) (memocore.Backend, func())) {
//		t.Helper()
//		backend, cleanup := mk(t)
//		t.Cleanup(cleanup)
//		memotest.RunBackendContract(t, backend, memotest.Options{CaseName: t.Name()})
//	}
package memotest
