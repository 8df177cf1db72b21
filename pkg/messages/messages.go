// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package messages defines the on-wire schema of the ingestion pipeline. One
// concrete struct per stage, string ids only; conversion to store-native id
// types happens once at the repository boundary.
package messages

import "encoding/json"

// MessageType values double as queue names and routing keys. The broker
// header carrying the value is the sole discriminator used by DLQ recovery.
const (
	TypeLibraryScan    = "library-scan"
	TypeCollectionScan = "collection-scan"
	TypeImageProcess   = "image-process"
	TypeThumbnailGen   = "thumbnail-gen"
	TypeCacheGen       = "cache-gen"
)

// Broker header keys.
const (
	HeaderMessageType        = "MessageType"
	HeaderRetryCount         = "x-retry-count"
	HeaderRedeliveredFromDLQ = "x-redelivered-from-dlq"
)

// QueueNames lists every stage queue in publish order.
var QueueNames = []string{
	TypeLibraryScan,
	TypeCollectionScan,
	TypeImageProcess,
	TypeThumbnailGen,
	TypeCacheGen,
}

// LibraryScan kicks off a scan over one library root.
type LibraryScan struct {
	MessageID           string `json:"messageId"`
	LibraryID           string `json:"libraryId"`
	LibraryPath         string `json:"libraryPath"`
	IncludeSubfolders   bool   `json:"includeSubfolders"`
	ForceRescan         bool   `json:"forceRescan,omitempty"`
	ResumeIncomplete    bool   `json:"resumeIncomplete,omitempty"`
	OverwriteExisting   bool   `json:"overwriteExisting,omitempty"`
	UseDirectFileAccess bool   `json:"useDirectFileAccess,omitempty"`
	AutoScan            bool   `json:"autoScan,omitempty"`
	JobID               string `json:"jobId"`
}

// CollectionScan enumerates the media entries of one collection.
type CollectionScan struct {
	MessageID           string `json:"messageId"`
	CollectionID        string `json:"collectionId"`
	CollectionPath      string `json:"collectionPath"`
	CollectionType      string `json:"collectionType"`
	ForceRescan         bool   `json:"forceRescan,omitempty"`
	UseDirectFileAccess bool   `json:"useDirectFileAccess,omitempty"`
	JobID               string `json:"jobId"`
}

// ImageSource locates the original bytes of one image: either a plain
// filesystem path, or an entry inside an archive.
type ImageSource struct {
	Path        string `json:"path,omitempty"`
	ArchivePath string `json:"archivePath,omitempty"`
	EntryName   string `json:"entryName,omitempty"`
}

// InArchive reports whether the source points inside an archive.
func (s ImageSource) InArchive() bool {
	return s.ArchivePath != ""
}

// ImageProcess extracts dimensions and fans out derivative work.
type ImageProcess struct {
	MessageID    string      `json:"messageId"`
	CollectionID string      `json:"collectionId"`
	ImageID      string      `json:"imageId"`
	Source       ImageSource `json:"source"`
	ScanJobID    string      `json:"scanJobId"`
}

// ThumbnailGen renders the small derivative for one image.
type ThumbnailGen struct {
	MessageID    string      `json:"messageId"`
	CollectionID string      `json:"collectionId"`
	ImageID      string      `json:"imageId"`
	Source       ImageSource `json:"source"`
	ScanJobID    string      `json:"scanJobId"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	Format       string      `json:"format"`
	Quality      int         `json:"quality"`
}

// CacheGen renders the view-sized derivative for one image. Identical shape
// to ThumbnailGen; kept as its own type so the queues stay strongly typed.
type CacheGen struct {
	MessageID    string      `json:"messageId"`
	CollectionID string      `json:"collectionId"`
	ImageID      string      `json:"imageId"`
	Source       ImageSource `json:"source"`
	ScanJobID    string      `json:"scanJobId"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	Format       string      `json:"format"`
	Quality      int         `json:"quality"`
}

// Encode marshals a stage message to its JSON body.
func Encode(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals a JSON body into the given stage message.
func Decode(body []byte, msg interface{}) error {
	return json.Unmarshal(body, msg)
}
