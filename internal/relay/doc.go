// Package relay shares conversation push events across gateway instances
// through Redis pub/sub, so a widget connected to one instance sees agent
// replies posted through another.
package relay
