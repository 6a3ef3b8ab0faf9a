// Package entity defines the universal node type shared by every layer of
// the knowledge-graph tree: text chunks, extracted entities, cluster
// leaders, job collections, and logs are all Entity values distinguished
// by Type.
package entity

// Well-known entity types referenced by the cluster subsystem. Extracted
// types (person, city, whaling_ship, ...) are not enumerated here — they
// are produced by the extractor and carried through as opaque strings.
const (
	TypeTextChunk     = "text_chunk"
	TypeClusterLeader = "cluster_leader"
	TypeScatterJob    = "scatter_job"
	TypeKladosLog     = "klados_log"
	TypeJobCollection = "job_collection"
)

// Well-known relationship predicates. Extracted-entity relationship
// predicates beyond these are domain-specific and opaque to the cluster
// subsystem.
const (
	PredSentTo        = "sent_to"
	PredFirstLog      = "first_log"
	PredReceivedFrom  = "received_from"
	PredSummarizedBy  = "summarized_by"
	PredExtractedFrom = "extracted_from"
)

// LayerProperty is the distinguished integer property giving the
// hierarchy depth: 0 for directly-extracted entities, L+1 for the
// cluster-leader summarizing layer-L entities.
const LayerProperty = "_kg_layer"

// Relationship is one outgoing edge from an Entity: (predicate, peer).
type Relationship struct {
	Predicate string `json:"predicate"`
	Peer      string `json:"peer"`
	PeerType  string `json:"peer_type,omitempty"`
}

// Entity is the universal node in the store.
type Entity struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Properties    map[string]any         `json:"properties"`
	Relationships []Relationship         `json:"relationships"`
}

// Layer reads the _kg_layer property, defaulting to 0 when absent — the
// convention for directly-extracted entities that have not yet been
// clustered.
func (e Entity) Layer() int {
	v, ok := e.Properties[LayerProperty]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Outgoing returns every relationship matching predicate, in store order.
func (e Entity) Outgoing(predicate string) []Relationship {
	var out []Relationship
	for _, r := range e.Relationships {
		if r.Predicate == predicate {
			out = append(out, r)
		}
	}
	return out
}

// SummarizedBy returns the cluster-leader id this entity reports to, and
// whether it has one at all. Spec invariant: at most one summarized_by
// relationship ever exists per entity.
func (e Entity) SummarizedBy() (string, bool) {
	rels := e.Outgoing(PredSummarizedBy)
	if len(rels) == 0 {
		return "", false
	}
	return rels[0].Peer, true
}

// Entity only carries outgoing edges; looking up members of a cluster
// leader (its incoming summarized_by edges) is EntityStore.MembersOf,
// since that requires a store-wide index rather than local data.
