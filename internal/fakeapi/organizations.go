package fakeapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"github.com/misakey/apitest/internal/random"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// RoleAdmin is the role of the creator of an organization
const RoleAdmin = "admin"

// requiredOrganizationACR is the authentication level needed to administrate organizations
const requiredOrganizationACR = 2

func organizationView(org *organization, role any) map[string]any {
	return map[string]any{
		"id":                    org.ID,
		"name":                  org.Name,
		"creator_id":            org.CreatorID,
		"current_identity_role": role,
	}
}

type endpointCreateOrganizationRequestPayload struct {
	Name string `json:"name" required:"true"`
}

// EndpointCreateOrganization handles the 'POST /organizations' endpoint
func (server *Server) EndpointCreateOrganization(writer http.ResponseWriter, request *http.Request) {
	tok := accessToken(request)
	if tok.IdentityID == "" || tok.ACR < requiredOrganizationACR {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginHeaders, "insufficient authentication level").
			Detail("acr", schema.DetailForbidden).
			Detail("required_acr", strconv.Itoa(requiredOrganizationACR)))
		return
	}

	payload, validationErr, err := schema.UnmarshalBody[endpointCreateOrganizationRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	org := &organization{
		ID:        uuid.NewString(),
		Name:      payload.Name,
		CreatorID: tok.IdentityID,
	}
	if err := server.save(tableOrganizations, org); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, organizationView(org, RoleAdmin))
}

// EndpointListIdentityOrganizations handles the 'GET /identities/{id}/organizations' endpoint.
// The self organization always comes first.
func (server *Server) EndpointListIdentityOrganizations(writer http.ResponseWriter, request *http.Request) {
	id := chi.URLParam(request, "id")
	if accessToken(request).IdentityID != id {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "organizations can only be listed by the identity itself").Detail("id", schema.DetailForbidden))
		return
	}
	ident := server.identity(id)
	if ident == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}

	views := []map[string]any{
		organizationView(&organization{ID: SelfClientID, Name: ident.DisplayName, CreatorID: ident.ID}, nil),
	}
	for _, obj := range server.all(tableOrganizations, "id") {
		if org := obj.(*organization); org.CreatorID == id {
			views = append(views, organizationView(org, RoleAdmin))
		}
	}
	server.writer.WriteJSON(writer, views)
}

// lookupAdministratedOrganization resolves the organization of the request path and checks the requester administrates it
func (server *Server) lookupAdministratedOrganization(writer http.ResponseWriter, request *http.Request) *organization {
	org := server.organization(chi.URLParam(request, "id"))
	if org == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return nil
	}
	tok := accessToken(request)
	if tok.IdentityID != org.CreatorID || tok.ACR < requiredOrganizationACR {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginNotDef, "identity is not an admin of the organization").Detail("role", schema.DetailForbidden))
		return nil
	}
	return org
}

// lookupManagedOrganization resolves the organization of the request path and checks the requester
// is either the organization itself or one of its admins
func (server *Server) lookupManagedOrganization(writer http.ResponseWriter, request *http.Request) *organization {
	org := server.organization(chi.URLParam(request, "id"))
	if org != nil && accessToken(request).OrgID == org.ID {
		return org
	}
	return server.lookupAdministratedOrganization(writer, request)
}

// EndpointGenerateOrganizationSecret handles the 'PUT /organizations/{id}/secret' endpoint.
// The secret is generated once; later calls return the same one.
func (server *Server) EndpointGenerateOrganizationSecret(writer http.ResponseWriter, request *http.Request) {
	org := server.lookupAdministratedOrganization(writer, request)
	if org == nil {
		return
	}
	if org.Secret == "" {
		updated := *org
		updated.Secret = random.Base64URL(32)
		if err := server.save(tableOrganizations, &updated); err != nil {
			server.writer.WriteInternalError(writer, err)
			return
		}
		org = &updated
	}
	server.writer.WriteJSON(writer, map[string]string{"secret": org.Secret})
}

type endpointCreateDatatagRequestPayload struct {
	Name string `json:"name" required:"true"`
}

// EndpointCreateDatatag handles the 'POST /organizations/{id}/datatags' endpoint
func (server *Server) EndpointCreateDatatag(writer http.ResponseWriter, request *http.Request) {
	org := server.lookupManagedOrganization(writer, request)
	if org == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointCreateDatatagRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	for _, obj := range server.all(tableDatatags, "organization", org.ID) {
		if obj.(*datatag).Name == payload.Name {
			server.writer.WriteError(writer, http.StatusConflict, schema.Conflict(schema.OriginBody, "datatag already exists").Detail("name", schema.DetailConflict))
			return
		}
	}

	tag := &datatag{ID: uuid.NewString(), Name: payload.Name, OrganizationID: org.ID, CreatedAt: time.Now()}
	if err := server.save(tableDatatags, tag); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, tag)
}

// EndpointListDatatags handles the 'GET /organizations/{id}/datatags' endpoint.
// The most recent datatags come first.
func (server *Server) EndpointListDatatags(writer http.ResponseWriter, request *http.Request) {
	org := server.lookupManagedOrganization(writer, request)
	if org == nil {
		return
	}
	tags := []*datatag{}
	for _, obj := range server.all(tableDatatags, "organization", org.ID) {
		tags = append(tags, obj.(*datatag))
	}
	sort.SliceStable(tags, func(i, j int) bool {
		return tags[i].CreatedAt.After(tags[j].CreatedAt)
	})
	server.writer.WriteJSON(writer, tags)
}

// EndpointEditDatatag handles the 'PATCH /organizations/{id}/datatags/{datatag}' endpoint
func (server *Server) EndpointEditDatatag(writer http.ResponseWriter, request *http.Request) {
	org := server.lookupManagedOrganization(writer, request)
	if org == nil {
		return
	}
	tag, _ := server.first(tableDatatags, "id", chi.URLParam(request, "datatag")).(*datatag)
	if tag == nil || tag.OrganizationID != org.ID {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginPath, "datatag not found").Detail("datatag", schema.DetailNotFound))
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointCreateDatatagRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}

	updated := *tag
	updated.Name = payload.Name
	if err := server.save(tableDatatags, &updated); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}
