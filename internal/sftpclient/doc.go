/*
Package sftpclient - connection lifecycle and streaming transfer over SFTP.

1. Connection - transport socket + secure session + sftp sub-session, acquired
as one unit by Connect and released as one unit by Disconnect

2. Engine - chunked upload / download loops between local storage and a
remote file handle

Acquisition and release order:

	Connect                             Disconnect
	+----------------------+            +---------------------------+
	| 1 dial transport     |----------->| close transport       (3) |
	| 3 new session        |----------->| free session          (2) |
	| 4 handshake          |            |                           |
	| 5 authenticate       |            |                           |
	| 6 start sftp         |----------->| close sub-session     (1) |
	+----------------------+            +---------------------------+

Step 2, process wide library initialisation, has no counterpart in
golang.org/x/crypto/ssh, so reconnecting needs no extra bookkeeping.

A failure at any step releases what the earlier steps acquired, in the same
reverse order, and no Connection is returned.

The secure session is reached through the Protocol, Session and Subsession
interfaces. SSHProtocol implements them with golang.org/x/crypto/ssh and
github.com/pkg/sftp.
*/
package sftpclient
