package memory

import (
	"slices"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
)

// Seeding and inspection helpers for local runs and tests. Zero ids are
// assigned from the store sequence.

func (s *Store) AddProduct(p orders.Product) orders.Product {
	s.write(func(st *state) {
		if p.ID == 0 {
			p.ID = st.next()
		}
		st.products[p.ID] = p
	})
	return p
}

func (s *Store) AddVariant(v orders.Variant) orders.Variant {
	s.write(func(st *state) {
		if v.ID == 0 {
			v.ID = st.next()
		}
		st.variants[v.ID] = v
	})
	return v
}

func (s *Store) AddCampaign(c pricing.Campaign) pricing.Campaign {
	s.write(func(st *state) {
		if c.ID == 0 {
			c.ID = st.next()
		}
		st.campaigns = append(st.campaigns, c)
	})
	return c
}

func (s *Store) AddCode(c discount.Code) discount.Code {
	s.write(func(st *state) {
		if c.ID == 0 {
			c.ID = st.next()
		}
		st.codes[c.ID] = c
	})
	return c
}

func (s *Store) AddGateway(c gateway.Config) gateway.Config {
	s.write(func(st *state) {
		if c.ID == 0 {
			c.ID = st.next()
		}
		st.gateways = append(st.gateways, c)
	})
	return c
}

func (s *Store) Code(id int64) (discount.Code, bool) {
	var (
		c  discount.Code
		ok bool
	)
	s.read(func(st *state) { c, ok = st.codes[id] })
	return c, ok
}

func (s *Store) Usages() []discount.Usage {
	var out []discount.Usage
	s.read(func(st *state) { out = slices.Clone(st.usages) })
	return out
}

func (s *Store) ProductStock(id int64) int {
	var n int
	s.read(func(st *state) { n = st.products[id].Stock })
	return n
}

func (s *Store) VariantStock(id int64) int {
	var n int
	s.read(func(st *state) { n = st.variants[id].Stock })
	return n
}

func (s *Store) Orders() []orders.Order {
	var out []orders.Order
	s.read(func(st *state) {
		for _, o := range st.orders {
			out = append(out, o)
		}
	})
	return out
}

func (s *Store) OrderItems() []orders.OrderItem {
	var out []orders.OrderItem
	s.read(func(st *state) { out = slices.Clone(st.items) })
	return out
}

func (s *Store) CampaignSales() []orders.CampaignSale {
	var out []orders.CampaignSale
	s.read(func(st *state) { out = slices.Clone(st.sales) })
	return out
}

func (s *Store) Invoices() []orders.Invoice {
	var out []orders.Invoice
	s.read(func(st *state) {
		for _, inv := range st.invoices {
			out = append(out, inv)
		}
	})
	return out
}
