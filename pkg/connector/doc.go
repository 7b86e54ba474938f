/*
Package connector defines the delivery connector catalogue.

Three connectors are built in: the platform inbox, templated email and
outbound webhooks. Each carries a JSON schema describing its outcome
configuration; external connectors can be registered at runtime with
their own schemas. Dispatch code routes on the connector kind, with
unknown ids falling through to the external (no local delivery) kind.
*/
package connector
