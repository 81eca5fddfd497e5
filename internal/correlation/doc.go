// Package correlation turns one-way command sends into request/response
// calls.
//
// Request tags a command with a fresh UUID correlation id, registers a
// pending entry, sends it through the Sender for the command's route and
// blocks until exactly one of these happens:
//
//	acknowledgement with the same id -> Reply
//	timeout                          -> ErrTimeout
//	transport failure (FailRoute)    -> ErrTransportClosed
//	send error                       -> ErrSendFailed
//	context cancelled                -> ctx.Err()
//	Close                            -> ErrTransportClosed
//
// Settlement is a claim: the first path to delete the entry from the
// pending map under the engine mutex wins, stops the timer and delivers the
// outcome. Every other path finds the entry gone and does nothing, so a
// late acknowledgement is an orphan.
package correlation
