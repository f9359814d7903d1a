// Package dbus implements the core of the D-Bus wire protocol: signature
// parsing, value verification, marshalling of messages to bytes, and
// resumable unmarshalling of bytes (and out-of-band file descriptors) back
// into messages.
//
// This package does not implement a session or system bus client, proxy
// objects, service export, name management, address parsing, or the
// authentication handshake. Those are the job of a consumer built on top:
// obtain a *Message from an Unmarshaller, and serialize *Message values
// with their Marshal method to send them back out. Transport specifics (TCP vs. Unix
// domain sockets, file descriptor passing) appear only through the Reader
// contract the Unmarshaller requires.
package dbus
