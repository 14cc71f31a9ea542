// Package graph implémente le modèle de graphe de propriétés : nœuds, arêtes, chaînes
// d'adjacence et leur persistance au travers du pager et des index.
package graph

import "github.com/maskdotdev/sombra/storage"

// Node et Edge sont les types du modèle décodé (§3), ré-exportés depuis storage pour que
// les appelants de ce paquet n'importent pas storage directement.
type Node = storage.Node
type Edge = storage.Edge
type Property = storage.Property
type PropertyValue = storage.PropertyValue

// DeleteMode contrôle le comportement de delete_node face aux arêtes incidentes (§4.7).
type DeleteMode int

const (
	// DeleteRestrict rejette la suppression si le nœud a des arêtes incidentes.
	DeleteRestrict DeleteMode = iota
	// DeleteCascade déconnecte et supprime chaque arête incidente avant le nœud.
	DeleteCascade
)

var (
	errNilNodeLocator = simpleErr("nil NodeId referenced")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
