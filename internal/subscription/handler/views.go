package handler

import (
	"time"

	"orchestrator/internal/subscription/models"
	id "orchestrator/pkg/domain"
)

type subscriptionView struct {
	ID          string                `json:"subscription_id"`
	Product     string                `json:"product"`
	ProductType string                `json:"product_type"`
	Status      string                `json:"status"`
	Description string                `json:"description,omitempty"`
	CustomerID  string                `json:"customer_id"`
	Insync      bool                  `json:"insync"`
	Note        string                `json:"note,omitempty"`
	StartDate   *time.Time            `json:"start_date,omitempty"`
	EndDate     *time.Time            `json:"end_date,omitempty"`
	Type        string                `json:"type"`
	FixedInputs map[string]any        `json:"fixed_inputs,omitempty"`
	Children    map[string][]nodeView `json:"children,omitempty"`
}

type nodeView struct {
	InstanceID string                `json:"instance_id"`
	Type       string                `json:"type"`
	Block      string                `json:"block"`
	Label      string                `json:"label,omitempty"`
	OwnerID    string                `json:"owner_id"`
	Foreign    bool                  `json:"foreign,omitempty"`
	Values     map[string]any        `json:"values,omitempty"`
	Children   map[string][]nodeView `json:"children,omitempty"`
}

type dependentView struct {
	SubscriptionID string `json:"subscription_id"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	InstanceID     string `json:"instance_id"`
}

func toSubscriptionView(sub *models.Subscription) subscriptionView {
	return subscriptionView{
		ID:          sub.ID.String(),
		Product:     sub.Product.Ref,
		ProductType: sub.Product.Type,
		Status:      string(sub.Status),
		Description: sub.Description,
		CustomerID:  sub.CustomerID,
		Insync:      sub.Insync,
		Note:        sub.Note,
		StartDate:   sub.StartDate,
		EndDate:     sub.EndDate,
		Type:        sub.Type.Name,
		FixedInputs: nilIfEmpty(sub.Values()),
		Children:    childViews(&sub.Node, sub.ID),
	}
}

// toBlockView renders b; blocks not owned by owner are marked foreign.
func toBlockView(b *models.Block, owner id.SubscriptionID) nodeView {
	return nodeView{
		InstanceID: b.ID.String(),
		Type:       b.Type.Name,
		Block:      b.Type.Block,
		Label:      b.Label,
		OwnerID:    b.Owner.String(),
		Foreign:    b.Owner != owner,
		Values:     nilIfEmpty(b.Values()),
		Children:   childViews(&b.Node, owner),
	}
}

func childViews(n *models.Node, owner id.SubscriptionID) map[string][]nodeView {
	fields := n.ChildFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string][]nodeView, len(fields))
	for _, field := range fields {
		for _, child := range n.Children(field) {
			out[field] = append(out[field], toBlockView(child, owner))
		}
	}
	return out
}

func nilIfEmpty(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	return values
}
