/*

The bestserver package tracks the performance and reliability of each server for the purpose of
identifying which server is the most reliable and has the lowest latency. This package *should* work
for any sort of latency-based set of servers (or performance which can be expressed as a
time.Duration) regardless of what they actually do.

The bestserver structure contains a list of all available servers, what a server represents, is
unknown to this package. It could be a URL, an IP address, the name of a racing pigeon... whatever.

After a server is used by the application, the application calls this package to record
success/failure and latency. That data is used internally to influence which server is chosen next.

Typical usage looks like this:

 bs := bestserver.NewCooldown(Config, ServerList)   // Construct a specific bestserver container
 for {
      server, _ := bs.Best()                                                 // Get current best server
      doStuffWithServer(server.Name())                                       // Use it
      bs.Result(server, success bool, when time.Time, latency time.Duration) // Say how it went
 }

A call to Result() with any server can change which server Best() returns next. Best() also
depends on the clock: a server whose cooldown has elapsed becomes eligible again without any
intervening call to Result().

Callers must not cache returns from Best() as the best server can change between calls.

Currently there is one type of "best server" to choose from: 'cooldown', created with the
NewCooldown() function. This package is structured to make it easy to add additional algorithms
if the need arises.

The 'cooldown' algorithm mimics nameserver selection by res_send(3) as described in RESOLVER(3),
with one addition: each server carries a reachability flag and a retry deadline rather than a bare
pass/fail state. Best() walks the server list in the order originally supplied and returns the
first server that is either currently reachable or whose retry deadline is at least Cooldown in
the past. If no server qualifies, the first server overall is returned anyway -- the caller is
expected to leave work queued and retry on its own schedule rather than treat "nothing eligible" as
fatal.

A call to Result() with success=false marks that server unreachable and stamps its retry deadline
at the supplied time; success=true clears both. Calls to Result() never influence any other
server's state.

The expectation is that there are a relatively small number of servers as much of the selection
algorithm is a simple linear search of all entries and thus O(n). A server list of 10-20 is
reasonable, 1,000-10,000 is probably not.

Multiple goroutines can safely invoke all the Manager interface methods concurrently.
*/
package bestserver
