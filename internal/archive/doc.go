// Package archive defines the domain types and collaborator interfaces of the
// media archiver: job records, media file records, download handlers and the
// stores that persist them.
package archive
