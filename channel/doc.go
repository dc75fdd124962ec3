/*
Package channel provides a typed multi-producer/multi-consumer message queue with three capacity topologies: unbounded, bounded to N values, and rendezvous (zero capacity, where a send only completes once a receiver has taken the value).

Unlike a native Go channel, both halves are explicit handles that can be cloned and closed independently. Every clone holds the channel open; once all senders or all receivers are closed the channel is permanently disconnected and the other side observes a *DisconnectedError. Messages are not broadcast: each value is delivered to exactly one receiver.

Receivers also support a deadline-bounded receive (RecvDeadline) that is more precise than a single timer wait. It sleeps for most of the remaining time, then polls, then spins for the final sub-millisecond remainder.
*/
package channel
