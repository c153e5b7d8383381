/*
The sync package implements the client side of psync's backup algorithm.

A backup compares three views of the tree:
1) Local files -- The files below the backup root that are selected by the
   filter rules.
2) The remote snapshot -- A copy of the agent's database, fetched at the
   start of every run. It records what the agent last wrote, along with the
   hash of every file's contents.
3) The agent's filesystem -- Updated by the commands sent during the run.

The local tree is walked parents first. Each path is looked up in the remote
snapshot, and only paths that are missing, changed, or changed type are sent
to the agent. Files are compared by hash unless FastCompare is set, in which
case a matching size and modification time is enough.

After the walk, every remote entry that wasn't seen locally is deleted, with
the contents of a directory deleted before the directory itself.

The agent never acknowledges commands, so the protocol relies on the
transport to deliver them in order.
*/
package sync
