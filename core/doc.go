// Package core contains the ingestion domain entities, store contracts,
// configuration and error taxonomy shared by the delivery components.
// Component and adapter packages depend on core; core depends on none of
// them.
package core
