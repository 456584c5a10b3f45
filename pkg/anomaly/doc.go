// Package anomaly scores credential usage by request frequency and by how
// often a subject's origin IP and device signature change.
package anomaly
