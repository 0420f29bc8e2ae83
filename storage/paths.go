package storage

import (
	"fmt"

	"github.com/poiesic/sessionvault/core"
)

// Logical path roots. Every component builds paths through the helpers
// below so the layout has a single definition.
const (
	collectionRoot  = "db"
	sessionRoot     = "sessions"
	attachmentRoot  = "attachments-ca"
	backupExtension = ".backup"
)

// CollectionPath returns the path of a flat collection document.
func CollectionPath(name string) string {
	return collectionRoot + "/" + name + ".json"
}

// SessionsPrefix returns the root prefix under which all sessions live.
func SessionsPrefix() string {
	return sessionRoot + "/"
}

// SessionDir returns the directory prefix holding one session.
func SessionDir(id string) string {
	return sessionRoot + "/" + id
}

// SessionMetadataPath returns the path of a session's metadata document.
func SessionMetadataPath(id string) string {
	return SessionDir(id) + "/metadata.json"
}

// SessionChunkPrefix returns the prefix under which a session's chunk
// files live.
func SessionChunkPrefix(id string) string {
	return SessionDir(id) + "/chunks/"
}

// ChunkPath returns the path of one chunk file.
func ChunkPath(id string, mt core.MediaType, chunkIndex int) string {
	return fmt.Sprintf("%s%s-%d.json", SessionChunkPrefix(id), mt, chunkIndex)
}

// AttachmentDir returns the sharded directory prefix of a blob. The first
// two hex characters of the hash bound directory fan-out.
func AttachmentDir(hash string) string {
	return attachmentRoot + "/" + hash[:2] + "/" + hash
}

// AttachmentDataPath returns the path of a blob's raw bytes.
func AttachmentDataPath(hash string) string {
	return AttachmentDir(hash) + "/data.bin"
}

// AttachmentMetaPath returns the path of a blob's reference metadata.
func AttachmentMetaPath(hash string) string {
	return AttachmentDir(hash) + "/metadata.json"
}

// AttachmentPrefix returns the root prefix of the content-addressable store.
func AttachmentPrefix() string {
	return attachmentRoot + "/"
}

// IndexSnapshotPath returns the path of the binary index snapshot.
func IndexSnapshotPath() string {
	return collectionRoot + "/index-snapshot.bin"
}

// BackupPath returns the backup-generation path for a primary path.
func BackupPath(path string) string {
	return path + backupExtension
}

// IsBackupPath reports whether a path names a backup generation.
func IsBackupPath(path string) bool {
	return len(path) > len(backupExtension) &&
		path[len(path)-len(backupExtension):] == backupExtension
}
