/*
Package concurrency provides advanced concurrency primitives with observability.

Features:
  - SmartMutex / SmartRWMutex: Deadlock detection and slow lock logging
  - Semaphore: Weighted semaphore
  - SafeGo / FanOut: Panic-recovering goroutine launch and fan-out helpers
*/
package concurrency
