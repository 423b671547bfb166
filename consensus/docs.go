/*
Package consensus runs the stake-weighted BFT round state machine.

	                 +-------------------+
	  new height --> | AWAITING_PROPOSAL | <------------------------------+
	                 +---------+---------+                                |
	                           | proposal of the selected proposer        |
	                           v                                          |
	                 +-------------------+   any against-vote   +---------+--+
	                 | COLLECTING_VOTES  +--------------------->|  REJECTED  |
	                 +----+---------+----+                      +------------+
	   tally >= 2/3 stake |         | epoch ends                  same height,
	                      v         v                             epoch + 1
	              +-----------+  +-----------+
	              | FINALIZED |  | ABANDONED +----> same height, next epoch
	              +-----------+  +-----------+

ConsensusState owns the round. Peer messages (via the Reactor) and its own
proposals and votes go through one receive routine; epoch timeouts come from
the EpochTicker. The vote set spans every epoch of a height, so a valid
candidate of an abandoned epoch still finalizes once its tally gets there.
A rejected candidate never does: the first against-vote for it is final.

A finalized block is handed to the state.BlockExecutor, which commits it,
distributes the rewards of its parent and records the evidence it carries.
*/
package consensus
