// Package negotiator detects conflicting findings and runs the bounded
// consensus protocol over the message bus. A coordinator sends each round's
// conflict to the participating producers, waits up to the round timeout for
// revisions or abstentions, and stops on convergence, on acceptance, or when
// the round limit is reached.
package negotiator
