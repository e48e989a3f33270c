// Package controller fans valve commands out over the proxy fleet.
//
// At startup the controller builds one supervised link per enabled
// proxy and keeps them alive for the process lifetime. An inbound
// command spawns an independent walk over the target valve's
// configured proxy order: unavailable proxies are skipped, the first
// proxy whose session completes wins, and the resulting state is
// published. When every proxy fails the command is logged at error
// level and dropped; retrying is the operator's (or the automation
// layer's) call.
//
// Commands for different valves run in parallel. Commands for the same
// valve are not serialized: valves are physically independent and a
// concurrent attempt is wasteful but harmless.
package controller
