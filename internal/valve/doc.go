// Package valve drives thermostatic radiator valves over a BLE proxy.
//
// The valves have no switch primitive; the bridge actuates them by
// forcing comfort mode and writing an extreme comfort temperature:
// high to open the valve, low to close it.
//
// # Session choreography
//
// A Session runs one command attempt end to end:
//
//  1. BLE connect to the valve through the proxy
//  2. Subscribe to notifications on the fixed notify handle
//  3. Synchronize packet numbers (function 0x01, retried)
//  4. Read the current comfort temperature (function 0x0C)
//  5. Write comfort mode, preserving the reported mode byte
//  6. Write the set-point in tenths of a degree
//  7. Read the set-point back and verify it
//  8. Disconnect
//
// Steps are strictly sequential: each begins only after the previous
// response or its timeout. Every send advances the session packet
// number (1..255, wrapping past zero) and at most one write is in
// flight at a time. Responses are correlated against the packet number
// just sent; anything else unblocks the waiter without recording
// results, so the step fails and the attempt is retried.
//
// A failed attempt tears the connection down, waits, and starts over
// from the connect, up to the configured attempt budget.
package valve
