// Package blob stores encrypted run results outside the coordinator
// database, addressed by UUID. Two backends are available: a flat
// directory on the coordinator host and an Azure Blob Storage container.
package blob
