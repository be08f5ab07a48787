// Package plugintrace provides mechanisms to trace events in kvplugin clients
// and servers, so that calling applications can record those events in their
// own application-specific logs or other trace mechanisms.
package plugintrace
