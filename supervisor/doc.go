/*
Package supervisor starts, tracks, feeds and reaps processes on behalf of remote users.

A session is one named, owned process. There are three kinds:

  - Exec runs a command under a shell, buffers stdout and stderr, and returns them when the process exits.
  - Spawn runs a command under a shell and streams stdout, stderr, errors and the exit code as events.
  - Pty runs a command in a pseudo-terminal and streams all of its output as a single "data" event type.

Events are delivered through a Broadcaster, which must only deliver them to the session owner's connections.

Every session lives in the Registry until exactly one of these happens: the process exits, it is killed, or the reaper
evicts it because its owner stopped sending pings. Exec sessions are never reaped.
*/
package supervisor
