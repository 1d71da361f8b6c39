package kelpie

import "strings"

// resourceName builds the display name for a cloud resource:
// <group>.<prefix>.<scene>.<entity>. Orphan sweeps outside this package
// identify our resources by the group prefix.
func (o *Orchestrator) resourceName(scene *Scene, entity string) string {
	prefix := scene.Prefix
	if prefix == "" {
		prefix = o.cfg.NamePrefix
	}
	return strings.Join([]string{o.cfg.GroupName, prefix, scene.Name, entity}, ".")
}
