// Package protocol implements the Bonk wire protocol spoken between Nebula nodes.
//
// # Framing
//
// Every message travels inside a frame:
//   - Length (4 bytes): big-endian payload length
//   - Payload (Length bytes): one CBOR encoded Message
//
// A receiver rejects any declared length above its configured maximum
// (DefaultMaxFrameSize unless configured otherwise) before allocating a
// buffer for it.
//
// # Message Types
//
// The payload is a CBOR array [type, body] where type is one of:
//   - Bonk (0): keepalive, empty body
//   - Handshake (1): the sender's 32-byte Ed25519 public key
//   - PublishPeer (2): a PeerInformation directory entry
//   - RequestPeers (3): ask for the receiver's peer directory, empty body
//   - Broadcast (4): a signed, encrypted Signal
//
// Handshake must be the first message on every connection, in both
// directions.
//
// # Signals
//
// A Signal carries a 16-byte id, the sender and receiver public keys, the
// encrypted payload (32-byte nonce plus ciphertext) and a 64-byte Ed25519
// signature over id ‖ sender ‖ receiver ‖ nonce ‖ ciphertext. Sealing and
// verification live in package crypto.
//
// # Usage Example
//
//	codec := protocol.NewCodec(protocol.DefaultMaxFrameSize)
//
//	// Announce ourselves
//	if err := codec.WriteMessage(conn, &protocol.Handshake{PublicKey: pk}); err != nil {
//	    return err
//	}
//
//	// Read the peer's reply
//	msg, err := codec.ReadMessage(conn)
package protocol
